package camera

import (
	"bufio"
	"errors"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// naluReader はAnnex-Bバイトストリームから開始コードで区切られたNALUを順に取り出す
type naluReader struct {
	r       *bufio.Reader
	cur     []byte
	zeros   int
	started bool
}

func newNALUReader(r io.Reader) *naluReader {
	return &naluReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next は次のNALUを開始コードを除いて返す
func (n *naluReader) next() ([]byte, error) {
	for {
		b, err := n.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && n.started && len(n.cur) > 0 {
				nalu := n.cur
				n.cur = nil
				n.started = false
				return nalu, nil
			}
			return nil, err
		}

		if b == 0 {
			n.zeros++
			continue
		}

		if b == 1 && n.zeros >= 2 {
			prev := n.cur
			hadNALU := n.started && len(prev) > 0
			n.cur = nil
			n.started = true
			n.zeros = 0
			if hadNALU {
				return prev, nil
			}
			continue
		}

		if n.started {
			for ; n.zeros > 0; n.zeros-- {
				n.cur = append(n.cur, 0)
			}
			n.cur = append(n.cur, b)
		}
		n.zeros = 0
	}
}

// auReader はNALUをアクセスユニット単位にまとめる
type auReader struct {
	nalus  *naluReader
	au     [][]byte
	hasVCL bool
}

func newAUReader(r io.Reader) *auReader {
	return &auReader{nalus: newNALUReader(r)}
}

// next は次のアクセスユニットを返す
//
// 区切りは次のアクセスユニットの先頭NALUを読んだ時点で確定するため、1フレーム分遅れて返る。
func (a *auReader) next() ([][]byte, error) {
	for {
		nalu, err := a.nalus.next()
		if err != nil {
			if a.hasVCL {
				au := a.au
				a.au = nil
				a.hasVCL = false
				return au, nil
			}
			return nil, err
		}

		if a.hasVCL && startsAccessUnit(nalu) {
			au := a.au
			a.au = [][]byte{nalu}
			a.hasVCL = isVCL(nalu)
			return au, nil
		}

		a.au = append(a.au, nalu)
		if isVCL(nalu) {
			a.hasVCL = true
		}
	}
}

func isVCL(nalu []byte) bool {
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		return true
	}
	return false
}

// startsAccessUnit はNALUが新しいアクセスユニットの先頭になり得るかを判定する
func startsAccessUnit(nalu []byte) bool {
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSEI, h264.NALUTypeSPS, h264.NALUTypePPS:
		return true
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		// first_mb_in_slice == 0 のスライスはピクチャの先頭
		return len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	return false
}
