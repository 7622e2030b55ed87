package domain

import (
	"encoding/base64"
	"strings"
)

// Attachment is file content carried inline in an envelope.
type Attachment struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
	URL      string `json:"url,omitempty"` // set by the backend once stored
}

// NewAttachment encodes raw bytes for transport.
func NewAttachment(data []byte, mimeType, fileName string) *Attachment {
	return &Attachment{
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
		FileName: fileName,
	}
}

// Decode returns the raw attachment bytes.
func (a *Attachment) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Data)
}

// TypeFromMime picks the message type for an attachment.
func TypeFromMime(mimeType string) MessageType {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return MessageTypeImage
	}
	return MessageTypeFile
}
