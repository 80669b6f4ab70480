package classifier

import (
	"encoding/base64"
	"encoding/json"

	"github.com/whisper/aimodbot/internal/moderation"
)

const systemPrompt = `You are a content moderation engine. Always answer with valid JSON and nothing else.
Assess the message and decide whether it is scam, spam or otherwise inappropriate content.
Consider offensive or vitriolic language, questionable links and similar signals.
Return exactly this JSON object:
{
  "categories": {
    "sexual": int,
    "harassment": int,
    "self-harm": int,
    "violence": int,
    "hate": int,
    "scam": int
  },
  "score": int,
  "rationale": string,
  "comment": string
}
Every integer is on a scale from 0 to 10. "score" equals the highest category value.
"comment" is a concise summary that includes the score, such as "likely scam (8)" or "offensive content (9)".
"rationale" is one or two brief sentences explaining how the score was reached.`

const imageInstruction = "Analyze this image and return the resulting JSON of its scores:"

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// chatMessage content is either a plain string or a list of contentParts.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func buildRequest(model string, content moderation.Content) ([]byte, error) {
	system, err := json.Marshal(systemPrompt)
	if err != nil {
		return nil, err
	}

	var user []byte
	if content.Image != nil {
		user, err = json.Marshal([]contentPart{
			{Type: "text", Text: imageInstruction},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL(content.MimeType, content.Image)}},
		})
	} else {
		user, err = json.Marshal(content.Text)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
}

func dataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
