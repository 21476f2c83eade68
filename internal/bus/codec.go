package bus

import "encoding/json"

// wireMessage is Message's on-the-wire shape for the NATS bridge.
type wireMessage struct {
	Channel string         `json:"channel"`
	ChatID  string         `json:"chatId"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func encodeMessage(m Message) ([]byte, error) {
	return json.Marshal(wireMessage{Channel: m.Channel, ChatID: m.ChatID, Content: m.Content, Meta: m.Meta})
}

func decodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, err
	}
	return Message{Channel: w.Channel, ChatID: w.ChatID, Content: w.Content, Meta: w.Meta}, nil
}
