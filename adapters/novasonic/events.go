package novasonic

import (
	"encoding/json"
	"time"

	"github.com/satriahrh/callbridge/domain/entities"
)

const (
	mediaTypeText  = "text/plain"
	mediaTypeAudio = "audio/lpcm"
	mediaTypeJSON  = "application/json"

	contentTypeText  = "TEXT"
	contentTypeAudio = "AUDIO"
	contentTypeTool  = "TOOL"

	roleSystem    = "SYSTEM"
	roleUser      = "USER"
	roleAssistant = "ASSISTANT"
	roleTool      = "TOOL"

	stopReasonEndTurn     = "END_TURN"
	stopReasonInterrupted = "INTERRUPTED"

	// interruptedMarker is the text the model emits when it detects barge-in
	interruptedMarker = `{ "interrupted" : true }`

	dateToolName = "getDateTool"
)

// Outbound events

type outboundEvent struct {
	Event outboundBody `json:"event"`
}

type outboundBody struct {
	SessionStart *sessionStart `json:"sessionStart,omitempty"`
	PromptStart  *promptStart  `json:"promptStart,omitempty"`
	ContentStart *contentStart `json:"contentStart,omitempty"`
	TextInput    *contentInput `json:"textInput,omitempty"`
	AudioInput   *contentInput `json:"audioInput,omitempty"`
	ToolResult   *contentInput `json:"toolResult,omitempty"`
	ContentEnd   *contentRef   `json:"contentEnd,omitempty"`
	PromptEnd    *promptRef    `json:"promptEnd,omitempty"`
	SessionEnd   *struct{}     `json:"sessionEnd,omitempty"`
}

type inferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type sessionStart struct {
	InferenceConfiguration inferenceConfiguration `json:"inferenceConfiguration"`
}

type mediaConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type toolSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	InputSchema map[string]string `json:"inputSchema"`
}

type tool struct {
	ToolSpec toolSpec `json:"toolSpec"`
}

type toolConfiguration struct {
	Tools []tool `json:"tools"`
}

type promptStart struct {
	PromptName                 string             `json:"promptName"`
	TextOutputConfiguration    mediaConfiguration `json:"textOutputConfiguration"`
	AudioOutputConfiguration   audioConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration mediaConfiguration `json:"toolUseOutputConfiguration"`
	ToolConfiguration          *toolConfiguration `json:"toolConfiguration,omitempty"`
}

type toolResultInputConfiguration struct {
	ToolUseID              string             `json:"toolUseId"`
	Type                   string             `json:"type"`
	TextInputConfiguration mediaConfiguration `json:"textInputConfiguration"`
}

type contentStart struct {
	PromptName                   string                        `json:"promptName"`
	ContentName                  string                        `json:"contentName"`
	Type                         string                        `json:"type"`
	Interactive                  bool                          `json:"interactive"`
	Role                         string                        `json:"role"`
	TextInputConfiguration       *mediaConfiguration           `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *audioConfiguration           `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *toolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`
}

type contentInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type contentRef struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type promptRef struct {
	PromptName string `json:"promptName"`
}

func sessionStartEvent(cfg entities.SessionConfig) outboundEvent {
	return outboundEvent{Event: outboundBody{SessionStart: &sessionStart{
		InferenceConfiguration: inferenceConfiguration{
			MaxTokens:   cfg.MaxTokens,
			TopP:        cfg.TopP,
			Temperature: cfg.Temperature,
		},
	}}}
}

func promptStartEvent(promptName string, cfg entities.SessionConfig) outboundEvent {
	return outboundEvent{Event: outboundBody{PromptStart: &promptStart{
		PromptName:              promptName,
		TextOutputConfiguration: mediaConfiguration{MediaType: mediaTypeText},
		AudioOutputConfiguration: audioConfiguration{
			MediaType:       mediaTypeAudio,
			SampleRateHertz: cfg.SampleRate,
			SampleSizeBits:  cfg.BitDepth,
			ChannelCount:    cfg.Channels,
			VoiceID:         cfg.VoiceID,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
		ToolUseOutputConfiguration: mediaConfiguration{MediaType: mediaTypeJSON},
		ToolConfiguration: &toolConfiguration{Tools: []tool{{
			ToolSpec: toolSpec{
				Name:        dateToolName,
				Description: "get information about the current day",
				InputSchema: map[string]string{
					"json": `{"type":"object","properties":{},"required":[]}`,
				},
			},
		}}},
	}}}
}

func systemContentStartEvent(promptName, contentName string) outboundEvent {
	return outboundEvent{Event: outboundBody{ContentStart: &contentStart{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   contentTypeText,
		Interactive:            false,
		Role:                   roleSystem,
		TextInputConfiguration: &mediaConfiguration{MediaType: mediaTypeText},
	}}}
}

func textInputEvent(promptName, contentName, text string) outboundEvent {
	return outboundEvent{Event: outboundBody{TextInput: &contentInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     text,
	}}}
}

func audioContentStartEvent(promptName, contentName string, cfg entities.SessionConfig) outboundEvent {
	return outboundEvent{Event: outboundBody{ContentStart: &contentStart{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        contentTypeAudio,
		Interactive: true,
		Role:        roleUser,
		AudioInputConfiguration: &audioConfiguration{
			MediaType:       mediaTypeAudio,
			SampleRateHertz: cfg.SampleRate,
			SampleSizeBits:  cfg.BitDepth,
			ChannelCount:    cfg.Channels,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}}}
}

func audioInputEvent(promptName, contentName, payload string) outboundEvent {
	return outboundEvent{Event: outboundBody{AudioInput: &contentInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     payload,
	}}}
}

func toolContentStartEvent(promptName, contentName, toolUseID string) outboundEvent {
	return outboundEvent{Event: outboundBody{ContentStart: &contentStart{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        contentTypeTool,
		Interactive: false,
		Role:        roleTool,
		ToolResultInputConfiguration: &toolResultInputConfiguration{
			ToolUseID:              toolUseID,
			Type:                   contentTypeText,
			TextInputConfiguration: mediaConfiguration{MediaType: mediaTypeText},
		},
	}}}
}

func toolResultEvent(promptName, contentName, content string) outboundEvent {
	return outboundEvent{Event: outboundBody{ToolResult: &contentInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     content,
	}}}
}

func contentEndEvent(promptName, contentName string) outboundEvent {
	return outboundEvent{Event: outboundBody{ContentEnd: &contentRef{
		PromptName:  promptName,
		ContentName: contentName,
	}}}
}

func promptEndEvent(promptName string) outboundEvent {
	return outboundEvent{Event: outboundBody{PromptEnd: &promptRef{PromptName: promptName}}}
}

func sessionEndEvent() outboundEvent {
	return outboundEvent{Event: outboundBody{SessionEnd: &struct{}{}}}
}

// Inbound events

type inboundEvent struct {
	Event *inboundBody `json:"event"`
}

type inboundBody struct {
	CompletionStart *struct {
		CompletionID string `json:"completionId"`
	} `json:"completionStart"`
	ContentStart *struct {
		Type      string `json:"type"`
		Role      string `json:"role"`
		ContentID string `json:"contentId"`
	} `json:"contentStart"`
	TextOutput *struct {
		Content string `json:"content"`
		Role    string `json:"role"`
	} `json:"textOutput"`
	AudioOutput *struct {
		Content   string `json:"content"`
		ContentID string `json:"contentId"`
	} `json:"audioOutput"`
	ToolUse *struct {
		ToolName  string `json:"toolName"`
		ToolUseID string `json:"toolUseId"`
		Content   string `json:"content"`
	} `json:"toolUse"`
	ContentEnd *struct {
		Type       string `json:"type"`
		StopReason string `json:"stopReason"`
	} `json:"contentEnd"`
	UsageEvent *struct {
		TotalInputTokens  int64 `json:"totalInputTokens"`
		TotalOutputTokens int64 `json:"totalOutputTokens"`
		TotalTokens       int64 `json:"totalTokens"`
	} `json:"usageEvent"`
	CompletionEnd *struct {
		StopReason string `json:"stopReason"`
	} `json:"completionEnd"`
}

func decodeInbound(data []byte) (*inboundBody, error) {
	var event inboundEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, &entities.ModelProtocolError{Reason: "malformed event payload", Err: err}
	}
	if event.Event == nil {
		return nil, &entities.ModelProtocolError{Reason: "event payload without event envelope"}
	}
	return event.Event, nil
}

func mapRole(role string) entities.Role {
	if role == roleUser {
		return entities.RoleUser
	}
	return entities.RoleAssistant
}

// dateToolResult answers getDateTool
func dateToolResult(now time.Time) string {
	result, _ := json.Marshal(map[string]string{
		"date":      now.Format("2006-01-02"),
		"dayOfWeek": now.Weekday().String(),
		"timezone":  now.Location().String(),
	})
	return string(result)
}
