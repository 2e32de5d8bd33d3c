package evolution

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"inbox-service/model"
)

var errEmptyData = errors.New("evolution: empty data")

// Event is the normalized form of a provider webhook. The set of
// implementations is closed: *MessageUpsert, *StatusUpdate, *ContactsUpdate,
// *ChatsUpsert and *Ignored.
type Event interface {
	EventName() string
	InstanceName() string
	isEvent()
}

type Header struct {
	Name     string
	Instance string
}

func (h Header) EventName() string    { return h.Name }
func (h Header) InstanceName() string { return h.Instance }
func (Header) isEvent()               {}

// MessageUpsert is an inbound message that must be stored.
type MessageUpsert struct {
	Header
	RemoteJID    string
	Phone        string
	PushName     string
	ProviderID   string
	ProviderType string
	Type         model.MessageType
	Content      string
	Media        model.Media
	Timestamp    time.Time
	ServerURL    string
	Raw          json.RawMessage
}

// StatusUpdate changes the delivery status of a stored message.
type StatusUpdate struct {
	Header
	KeyID     string
	RemoteJID string
	Status    string
}

type ContactChange struct {
	RemoteJID     string
	PushName      string
	ProfilePicURL string
}

type ContactsUpdate struct {
	Header
	Items   []ContactChange
	Skipped int
}

type ChatChange struct {
	RemoteJID string
	Archived  *bool
}

type ChatsUpsert struct {
	Header
	Items   []ChatChange
	Skipped int
}

// Ignored is an event that is acknowledged but not acted upon.
type Ignored struct {
	Header
	Reason string
}

// Classify inspects a provider envelope and returns its normalized event.
// Malformed or unsupported input yields *Ignored, never an error.
func Classify(env Envelope) Event {
	h := Header{Name: NormalizeEventName(env.Event), Instance: strings.TrimSpace(env.Instance)}

	switch h.Name {
	case "":
		return ignore(h, "missing event")
	case EventMessagesUpsert:
		return classifyUpsert(h, env)
	case EventMessagesUpdate:
		return classifyStatus(h, env.Data)
	case EventContactsUpdate, EventContactsUpsert:
		return classifyContacts(h, env.Data)
	case EventChatsUpsert, EventChatsUpdate:
		return classifyChats(h, env.Data)
	default:
		return ignore(h, "unhandled event")
	}
}

func ignore(h Header, reason string) *Ignored {
	return &Ignored{Header: h, Reason: reason}
}

func classifyUpsert(h Header, env Envelope) Event {
	var data upsertData
	if err := decodeOne(env.Data, &data); err != nil {
		return ignore(h, "malformed message data")
	}
	if data.Key == nil {
		return ignore(h, "missing key")
	}
	if data.Key.FromMe {
		return ignore(h, "own message echo")
	}
	if data.Message == nil {
		return ignore(h, "missing message")
	}
	jid := strings.TrimSpace(data.Key.RemoteJid)
	if jid == "" {
		return ignore(h, "missing remote jid")
	}

	providerType, msgType, ok := resolveType(data.MessageType, data.Message)
	if !ok {
		return ignore(h, "unsupported message type "+strconv.Quote(providerType))
	}

	content, media := extract(msgType, data.Message)
	if content == "" && media.MediaURL == "" {
		return ignore(h, "empty message")
	}

	ts := time.Now().UTC()
	if data.MessageTimestamp > 0 {
		ts = time.Unix(int64(data.MessageTimestamp), 0).UTC()
	}

	return &MessageUpsert{
		Header:       h,
		RemoteJID:    jid,
		Phone:        PhoneFromJID(jid),
		PushName:     strings.TrimSpace(data.PushName),
		ProviderID:   strings.TrimSpace(data.Key.ID),
		ProviderType: providerType,
		Type:         msgType,
		Content:      content,
		Media:        media,
		Timestamp:    ts,
		ServerURL:    env.ServerURL,
		Raw:          env.Data,
	}
}

// resolveType maps the provider message type onto the internal one. When the
// provider omits messageType it is inferred from the populated field.
func resolveType(providerType string, m *messageContent) (string, model.MessageType, bool) {
	if providerType == "" {
		providerType = inferProviderType(m)
	}
	switch providerType {
	case "conversation", "extendedTextMessage":
		return providerType, model.MessageText, true
	case "imageMessage":
		return providerType, model.MessageImage, true
	case "videoMessage":
		return providerType, model.MessageVideo, true
	case "audioMessage", "pttMessage":
		return providerType, model.MessageAudio, true
	case "documentMessage", "documentWithCaptionMessage":
		return providerType, model.MessageDocument, true
	default:
		return providerType, "", false
	}
}

func inferProviderType(m *messageContent) string {
	switch {
	case m.ImageMessage != nil:
		return "imageMessage"
	case m.VideoMessage != nil:
		return "videoMessage"
	case m.AudioMessage != nil:
		return "audioMessage"
	case m.PttMessage != nil:
		return "pttMessage"
	case m.DocumentMessage != nil:
		return "documentMessage"
	case m.DocumentWithCaptionMessage != nil:
		return "documentWithCaptionMessage"
	case m.ExtendedTextMessage != nil:
		return "extendedTextMessage"
	case m.Conversation != "":
		return "conversation"
	default:
		return ""
	}
}

func extract(t model.MessageType, m *messageContent) (string, model.Media) {
	var extended string
	if m.ExtendedTextMessage != nil {
		extended = m.ExtendedTextMessage.Text
	}

	mm := mediaFor(t, m)
	if mm == nil {
		return firstNonEmpty(m.Conversation, extended), model.Media{}
	}

	media := model.Media{
		MediaURL: firstNonEmpty(m.MediaURL, mm.URL),
		Mimetype: mm.Mimetype,
	}
	switch t {
	case model.MessageDocument:
		media.FileName = mm.FileName
	case model.MessageAudio, model.MessageVideo:
		media.Duration = int(mm.Seconds)
	}
	return firstNonEmpty(m.Conversation, mm.Caption, extended), media
}

func mediaFor(t model.MessageType, m *messageContent) *mediaMessage {
	switch t {
	case model.MessageImage:
		return m.ImageMessage
	case model.MessageVideo:
		return m.VideoMessage
	case model.MessageAudio:
		if m.AudioMessage != nil {
			return m.AudioMessage
		}
		return m.PttMessage
	case model.MessageDocument:
		if m.DocumentMessage != nil {
			return m.DocumentMessage
		}
		if dc := m.DocumentWithCaptionMessage; dc != nil && dc.Message != nil {
			return dc.Message.DocumentMessage
		}
	}
	return nil
}

// numeric acknowledgement levels used by older provider versions
var statusNames = map[int]string{
	0: "ERROR",
	1: "PENDING",
	2: "SERVER_ACK",
	3: "DELIVERY_ACK",
	4: "READ",
	5: "PLAYED",
}

func classifyStatus(h Header, raw json.RawMessage) Event {
	var data statusData
	if err := decodeOne(raw, &data); err != nil {
		return ignore(h, "malformed status data")
	}
	keyID := strings.TrimSpace(data.KeyID)
	status := parseStatus(data.Status)
	if keyID == "" || status == "" {
		return ignore(h, "missing keyId or status")
	}
	return &StatusUpdate{
		Header:    h,
		KeyID:     keyID,
		RemoteJID: data.RemoteJid,
		Status:    status,
	}
}

func parseStatus(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.ToUpper(strings.TrimSpace(s))
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return statusNames[n]
	}
	return ""
}

func classifyContacts(h Header, raw json.RawMessage) Event {
	items, err := decodeList(raw)
	if err != nil {
		return ignore(h, "malformed contact data")
	}
	out := &ContactsUpdate{Header: h}
	for _, item := range items {
		var c contactData
		if err := json.Unmarshal(item, &c); err != nil {
			out.Skipped++
			continue
		}
		jid := firstNonEmpty(c.RemoteJid, c.ID)
		if jid == "" {
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, ContactChange{
			RemoteJID:     jid,
			PushName:      strings.TrimSpace(c.PushName),
			ProfilePicURL: strings.TrimSpace(c.ProfilePicURL),
		})
	}
	return out
}

func classifyChats(h Header, raw json.RawMessage) Event {
	items, err := decodeList(raw)
	if err != nil {
		return ignore(h, "malformed chat data")
	}
	out := &ChatsUpsert{Header: h}
	for _, item := range items {
		var c chatData
		if err := json.Unmarshal(item, &c); err != nil {
			out.Skipped++
			continue
		}
		jid := firstNonEmpty(c.RemoteJid, c.ID)
		if jid == "" {
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, ChatChange{RemoteJID: jid, Archived: c.Archived})
	}
	return out
}
