package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"rtspcam/internal/device"
)

// Kind はデバイス失敗の分類
type Kind string

const (
	KindNone                     Kind = ""
	KindCameraOpenFailure        Kind = "camera_open_failure"
	KindParameterIncompatibility Kind = "parameter_incompatibility"
	KindAudioUnsupported         Kind = "audio_unsupported"
	KindNetworkOrAuthFailure     Kind = "network_or_auth_failure"
	KindUnknown                  Kind = "unknown"
	KindInitFailed               Kind = "init_failed" // リトライ上限到達
)

// Action は推奨される復旧動作
type Action string

const (
	ActionNone                    Action = "none"
	ActionRetryInitAutomatically  Action = "retry_init_automatically"
	ActionRetryPreviewWithBackoff Action = "retry_preview_with_backoff"
	ActionFallbackVideoOnly       Action = "fallback_video_only"
	ActionForceReset              Action = "force_reset"
)

// Scope は失敗が発生した操作の範囲
type Scope string

const (
	ScopeInitialize Scope = "initialize"
	ScopePreview    Scope = "preview"
	ScopeVideo      Scope = "video"
	ScopeAudio      Scope = "audio"
	ScopeStream     Scope = "stream"
	ScopeRecord     Scope = "record"
	ScopeSwitch     Scope = "switch"
	ScopeConnection Scope = "connection"
)

// Category は操作境界でのエラー分類
type Category string

const (
	CategoryInitializationFailure      Category = "initialization_failure"
	CategoryPreviewFailure             Category = "preview_failure"
	CategoryAudioUnavailable           Category = "audio_unavailable"
	CategoryStreamOrRecordStartFailure Category = "stream_or_record_start_failure"
	CategoryAsyncDisconnect            Category = "async_disconnect"
	CategorySwitchCameraFailure        Category = "switch_camera_failure"
)

// Classification は分類結果
type Classification struct {
	Kind        Kind
	Action      Action
	Category    Category
	MaxAttempts int    // ActionRetryPreviewWithBackoff の場合の最大試行回数
	Message     string // ユーザー向けメッセージ
}

// previewRetryAttempts はパラメータ非互換時のプレビュー再試行回数
const previewRetryAttempts = 3

var (
	cameraOpenKeywords = []string{
		"virtual camera service",
		"disallowed by service restrictions",
		"restricted",
		"initialization failed",
	}
	// 大文字小文字を区別する。"camera" を含むだけの一般的なエラーは対象外
	parameterKeywords = []string{
		"NullPointerException",
		"Parameters",
		"Camera",
	}
	remoteStreamKeywords = []string{
		"remote stream not started",
	}
)

// ユーザー向けメッセージ
const (
	msgRestricted        = "Virtual camera service is restricted on this device. Try using a different camera app or check device permissions."
	msgCameraInitFailed  = "Camera initialization failed. Please ensure camera permissions are granted and camera is not being used by another app."
	msgParameters        = "Camera parameters error - device may have compatibility issues"
	msgVideoParameters   = "Camera parameters error - device compatibility issue"
	msgRemoteStream      = "Remote camera stream not available"
	msgAudioUnsupported  = "Audio not supported on this device - using video only"
	msgAudioFallback     = "Proceeding with video-only mode"
	msgNotInitialized    = "Camera not initialized. Please wait or try reset."
	msgNotReady          = "Camera not ready yet, please wait..."
	msgInitExhaustedFmt  = "Failed to initialize camera after %d attempts. Virtual camera service may be restricted on this device."
	msgConnectionFailure = "Connection Failed: %s"
)

func initExhaustedMessage(attempts int) string {
	return fmt.Sprintf(msgInitExhaustedFmt, attempts)
}

// Classify はデバイス失敗を分類する
//
// 構造化コードを優先し、無い場合は外部ライブラリの失敗文言を部分一致で判定する。
func Classify(scope Scope, err error) Classification {
	if err == nil {
		return Classification{Kind: KindNone, Action: ActionNone, Category: categoryOf(scope)}
	}

	raw := rawMessage(err)
	kind, restricted := kindOf(err, raw)

	c := Classification{
		Kind:     kind,
		Action:   ActionNone,
		Category: categoryOf(scope),
	}

	switch kind {
	case KindCameraOpenFailure:
		c.Action = ActionForceReset
		if restricted {
			c.Message = msgRestricted
		} else {
			c.Message = msgCameraInitFailed
		}
	case KindParameterIncompatibility:
		c.Action = ActionRetryPreviewWithBackoff
		c.MaxAttempts = previewRetryAttempts
		c.Message = msgParameters
	case KindAudioUnsupported:
		c.Action = ActionFallbackVideoOnly
		c.Message = msgAudioUnsupported
	case KindNetworkOrAuthFailure:
		c.Message = fmt.Sprintf(msgConnectionFailure, raw)
	default:
		c.Message = unknownMessage(scope, raw)
	}

	return refine(scope, c, raw)
}

// refine は操作範囲に応じて推奨動作とメッセージを調整する
func refine(scope Scope, c Classification, raw string) Classification {
	switch scope {
	case ScopeInitialize:
		if c.Kind == KindParameterIncompatibility {
			c.Action = ActionRetryInitAutomatically
			c.MaxAttempts = 0
			c.Message = msgCameraInitFailed
		}
		if c.Kind == KindUnknown {
			c.Action = ActionRetryInitAutomatically
		}
	case ScopeVideo:
		if c.Kind == KindParameterIncompatibility {
			c.Message = msgVideoParameters
		}
	case ScopeSwitch:
		if c.Kind != KindCameraOpenFailure {
			c.Action = ActionNone
			c.MaxAttempts = 0
			c.Message = "Camera switch error: " + raw
		}
	case ScopeAudio:
		// 音声の失敗は常に映像のみで続行する
		c.Action = ActionFallbackVideoOnly
		if c.Kind != KindAudioUnsupported {
			c.Message = msgAudioFallback
		}
	}
	return c
}

// kindOf は失敗の種類を判定する。restricted はポリシー制限による失敗かを表す
func kindOf(err error, raw string) (Kind, bool) {
	if code, ok := device.CodeOf(err); ok {
		switch code {
		case device.CodeRestricted:
			return KindCameraOpenFailure, true
		case device.CodeCameraOpen:
			return KindCameraOpenFailure, false
		case device.CodeParameters:
			return KindParameterIncompatibility, false
		case device.CodeAudioUnsupported:
			return KindAudioUnsupported, false
		case device.CodeNetwork, device.CodeAuth:
			return KindNetworkOrAuthFailure, false
		}
	}

	if containsAny(raw, cameraOpenKeywords) {
		return KindCameraOpenFailure, !strings.Contains(raw, "initialization failed")
	}
	if containsAny(raw, remoteStreamKeywords) {
		return KindUnknown, false
	}
	if containsAny(raw, parameterKeywords) {
		return KindParameterIncompatibility, false
	}
	return KindUnknown, false
}

func unknownMessage(scope Scope, raw string) string {
	if containsAny(raw, remoteStreamKeywords) {
		return msgRemoteStream
	}
	switch scope {
	case ScopeInitialize:
		return "Camera service error: " + raw
	case ScopePreview:
		return "Preview start failed: " + raw
	case ScopeVideo:
		return "Video preparation error: " + raw
	case ScopeStream:
		return "Streaming error: " + raw
	case ScopeRecord:
		return "Recording error: " + raw
	case ScopeSwitch:
		return "Camera switch error: " + raw
	case ScopeConnection:
		return fmt.Sprintf(msgConnectionFailure, raw)
	default:
		return raw
	}
}

func categoryOf(scope Scope) Category {
	switch scope {
	case ScopeInitialize:
		return CategoryInitializationFailure
	case ScopePreview:
		return CategoryPreviewFailure
	case ScopeAudio:
		return CategoryAudioUnavailable
	case ScopeSwitch:
		return CategorySwitchCameraFailure
	case ScopeConnection:
		return CategoryAsyncDisconnect
	default:
		return CategoryStreamOrRecordStartFailure
	}
}

// rawMessage はデバイス層の操作名を除いた失敗文言を返す
func rawMessage(err error) string {
	var de *device.Error
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
