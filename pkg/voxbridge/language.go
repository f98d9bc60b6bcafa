package voxbridge

import "strings"

// LanguagePack holds the per-language conversation text: the model
// instructions, the greeting spoken when the call is answered, and the
// goodbye spoken when the duration ceiling is reached.
type LanguagePack struct {
	Code          string
	Instructions  string
	VoiceGreeting string
	Goodbye       string
}

var builtinLanguages = map[string]LanguagePack{
	"en": {
		Code: "en",
		Instructions: "You are a helpful and bubbly AI assistant who loves to chat about " +
			"anything the user is interested in and is prepared to offer them facts. " +
			"Always stay positive, but work in a joke when appropriate. " +
			"You have access to web search to find current information when asked.",
		VoiceGreeting: "Hello. How can I help you today?",
		Goodbye:       "I'm sorry, but we've reached the call time limit. Thank you for calling. Goodbye!",
	},
	"vi": {
		Code: "vi",
		Instructions: "Bạn là một trợ lý AI thân thiện và nhiệt tình, sẵn sàng trò chuyện về " +
			"bất kỳ chủ đề nào mà người dùng quan tâm và cung cấp thông tin hữu ích. " +
			"Luôn giữ thái độ tích cực và hỗ trợ người dùng một cách tốt nhất. " +
			"Bạn có thể tìm kiếm web để cung cấp thông tin mới nhất khi được yêu cầu. " +
			"QUAN TRỌNG: Luôn trả lời bằng tiếng Việt trừ khi người dùng yêu cầu ngôn ngữ khác.",
		VoiceGreeting: "Xin chào. Tôi có thể giúp gì cho bạn?",
		Goodbye:       "Xin lỗi, cuộc gọi đã đạt giới hạn thời gian. Cảm ơn bạn đã gọi. Tạm biệt!",
	},
}

// ResolveLanguage builds the effective language pack from config: pick the
// built-in pack for the default language (falling back to English for
// unknown codes), then apply any explicit overrides.
func ResolveLanguage(cfg LanguageConfig) LanguagePack {
	code := strings.ToLower(strings.TrimSpace(cfg.Default))
	pack, ok := builtinLanguages[code]
	if !ok {
		pack = builtinLanguages["en"]
		if code != "" {
			pack.Code = code
		}
	}
	if strings.TrimSpace(cfg.Instructions) != "" {
		pack.Instructions = cfg.Instructions
	}
	if strings.TrimSpace(cfg.Greeting) != "" {
		pack.VoiceGreeting = cfg.Greeting
	}
	if strings.TrimSpace(cfg.Goodbye) != "" {
		pack.Goodbye = cfg.Goodbye
	}
	return pack
}
