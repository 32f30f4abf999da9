package relay

// Content is a message body. The set of kinds is closed; the unexported
// method keeps other packages from adding their own.
type Content interface {
	Kind() Kind
	content()
}

// Kind names a content variant. It is stored in message logs.
type Kind string

const (
	KindText    Kind = "text"
	KindPhoto   Kind = "photo"
	KindVideo   Kind = "video"
	KindSticker Kind = "sticker"
	KindVoice   Kind = "voice"
)

// Text is a plain text message.
type Text struct{ Body string }

// Photo references an uploaded image by platform file id.
type Photo struct {
	FileID  string
	Caption string
}

// Video references an uploaded video by platform file id.
type Video struct {
	FileID  string
	Caption string
}

// Sticker references a sticker by platform file id.
type Sticker struct{ FileID string }

// Voice references a voice note by platform file id.
type Voice struct{ FileID string }

func (Text) Kind() Kind    { return KindText }
func (Photo) Kind() Kind   { return KindPhoto }
func (Video) Kind() Kind   { return KindVideo }
func (Sticker) Kind() Kind { return KindSticker }
func (Voice) Kind() Kind   { return KindVoice }

func (Text) content()    {}
func (Photo) content()   {}
func (Video) content()   {}
func (Sticker) content() {}
func (Voice) content()   {}

// describe flattens c into the fields of a moderation record.
func describe(c Content) (body, fileID, caption string) {
	switch v := c.(type) {
	case Text:
		return v.Body, "", ""
	case Photo:
		return "", v.FileID, v.Caption
	case Video:
		return "", v.FileID, v.Caption
	case Sticker:
		return "", v.FileID, ""
	case Voice:
		return "", v.FileID, ""
	}
	return "", "", ""
}
