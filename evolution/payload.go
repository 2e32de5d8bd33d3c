// Package evolution understands webhook payloads and the REST API of the
// Evolution WhatsApp provider.
package evolution

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	EventMessagesUpsert = "messages.upsert"
	EventMessagesUpdate = "messages.update"
	EventContactsUpdate = "contacts.update"
	EventContactsUpsert = "contacts.upsert"
	EventChatsUpsert    = "chats.upsert"
	EventChatsUpdate    = "chats.update"
)

// Envelope is the outer body of every provider webhook.
type Envelope struct {
	Event     string          `json:"event"`
	Instance  string          `json:"instance"`
	Data      json.RawMessage `json:"data"`
	Sender    string          `json:"sender,omitempty"`
	ServerURL string          `json:"server_url,omitempty"`
	DateTime  string          `json:"date_time,omitempty"`
	APIKey    string          `json:"apikey,omitempty"`
}

// NormalizeEventName maps both "MESSAGES_UPSERT" and "messages.upsert" to the
// dotted lower-case form.
func NormalizeEventName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "_", ".")
}

type messageKey struct {
	RemoteJid   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant"`
}

type upsertData struct {
	Key              *messageKey     `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *messageContent `json:"message"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp flexInt         `json:"messageTimestamp"`
}

type messageContent struct {
	Conversation               string               `json:"conversation"`
	ExtendedTextMessage        *textMessage         `json:"extendedTextMessage"`
	ImageMessage               *mediaMessage        `json:"imageMessage"`
	VideoMessage               *mediaMessage        `json:"videoMessage"`
	AudioMessage               *mediaMessage        `json:"audioMessage"`
	PttMessage                 *mediaMessage        `json:"pttMessage"`
	DocumentMessage            *mediaMessage        `json:"documentMessage"`
	DocumentWithCaptionMessage *documentWithCaption `json:"documentWithCaptionMessage"`
	// set by the provider when media is mirrored to object storage
	MediaURL string `json:"mediaUrl"`
}

type textMessage struct {
	Text string `json:"text"`
}

type mediaMessage struct {
	URL      string  `json:"url"`
	Mimetype string  `json:"mimetype"`
	Caption  string  `json:"caption"`
	FileName string  `json:"fileName"`
	Seconds  flexInt `json:"seconds"`
}

type documentWithCaption struct {
	Message *struct {
		DocumentMessage *mediaMessage `json:"documentMessage"`
	} `json:"message"`
}

type statusData struct {
	KeyID     string          `json:"keyId"`
	MessageID string          `json:"messageId"`
	RemoteJid string          `json:"remoteJid"`
	FromMe    bool            `json:"fromMe"`
	Status    json.RawMessage `json:"status"`
}

type contactData struct {
	RemoteJid     string `json:"remoteJid"`
	ID            string `json:"id"`
	PushName      string `json:"pushName"`
	ProfilePicURL string `json:"profilePicUrl"`
}

type chatData struct {
	RemoteJid string `json:"remoteJid"`
	ID        string `json:"id"`
	Archived  *bool  `json:"archived"`
}

// flexInt accepts numbers and numeric strings. Anything else decodes to 0.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// decodeOne decodes an object, or the first element of an array.
func decodeOne(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			return errEmptyData
		}
		raw = items[0]
	}
	return json.Unmarshal(raw, v)
}

// decodeList decodes an array into raw items; a single object becomes a
// one-item list.
func decodeList(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errEmptyData
	}
	if raw[0] == '{' {
		return []json.RawMessage{raw}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// PhoneFromJID strips the server part and the device suffix of a JID:
// "5511999:12@s.whatsapp.net" -> "5511999".
func PhoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
