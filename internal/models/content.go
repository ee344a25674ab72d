package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PartType discriminates the ContentPart variants.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ImageEncoding tells whether an image carries inline bytes or a URL.
type ImageEncoding string

const (
	ImageBase64 ImageEncoding = "base64"
	ImageURL    ImageEncoding = "url"
)

// ImageSource holds an image either as base64 data or as a remote URL.
type ImageSource struct {
	Encoding  ImageEncoding `json:"encoding"`
	MediaType string        `json:"media_type,omitempty"`
	Data      string        `json:"data,omitempty"`
	URL       string        `json:"url,omitempty"`
}

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type  PartType     `json:"type"`
	Text  string       `json:"text,omitempty"`
	Image *ImageSource `json:"image,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// Base64ImagePart builds an inline image part.
func Base64ImagePart(mediaType, data string) ContentPart {
	return ContentPart{Type: PartImage, Image: &ImageSource{Encoding: ImageBase64, MediaType: mediaType, Data: data}}
}

// URLImagePart builds a remote image part.
func URLImagePart(url string) ContentPart {
	return ContentPart{Type: PartImage, Image: &ImageSource{Encoding: ImageURL, URL: url}}
}

func (p ContentPart) validate() error {
	switch p.Type {
	case PartText:
		return nil
	case PartImage:
		if p.Image == nil {
			return errors.New("image part requires image source")
		}
		switch p.Image.Encoding {
		case ImageBase64:
			if p.Image.Data == "" {
				return errors.New("base64 image requires data")
			}
		case ImageURL:
			if p.Image.URL == "" {
				return errors.New("url image requires url")
			}
		default:
			return fmt.Errorf("unknown image encoding %q", p.Image.Encoding)
		}
		return nil
	default:
		return fmt.Errorf("unknown content part type %q", p.Type)
	}
}

// Content is either plain text or an ordered list of parts. On the wire it
// is a JSON string or a JSON array respectively.
type Content struct {
	text  string
	parts []ContentPart
	multi bool
}

// Text builds plain-text content.
func Text(s string) Content {
	return Content{text: s}
}

// Parts builds multi-part content.
func Parts(parts ...ContentPart) Content {
	return Content{parts: parts, multi: true}
}

// IsMulti reports whether the content was built from parts.
func (c Content) IsMulti() bool {
	return c.multi
}

// String concatenates every text segment of the content.
func (c Content) String() string {
	if !c.multi {
		return c.text
	}
	var b strings.Builder
	for _, p := range c.parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Parts returns the content as a part list. Plain text yields one text part,
// empty text yields none.
func (c Content) Parts() []ContentPart {
	if c.multi {
		return c.parts
	}
	if c.text == "" {
		return nil
	}
	return []ContentPart{TextPart(c.text)}
}

// Images returns the image parts in order.
func (c Content) Images() []ImageSource {
	var out []ImageSource
	for _, p := range c.Parts() {
		if p.Type == PartImage && p.Image != nil {
			out = append(out, *p.Image)
		}
	}
	return out
}

// Empty reports whether the content has no text and no images.
func (c Content) Empty() bool {
	for _, p := range c.Parts() {
		if p.Type == PartImage || p.Text != "" {
			return false
		}
	}
	return true
}

// Append returns the concatenation of c and other, promoting to parts when
// either side is multi-part.
func (c Content) Append(other Content, sep string) Content {
	if !c.multi && !other.multi {
		switch {
		case c.text == "":
			return other
		case other.text == "":
			return c
		}
		return Text(c.text + sep + other.text)
	}
	parts := make([]ContentPart, 0, len(c.Parts())+len(other.Parts()))
	parts = append(parts, c.Parts()...)
	parts = append(parts, other.Parts()...)
	return Parts(parts...)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.multi {
		if c.parts == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*c = Content{}
		return nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode text content: %w", err)
		}
		*c = Text(s)
		return nil
	case trimmed[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return fmt.Errorf("decode content parts: %w", err)
		}
		*c = Parts(parts...)
		return nil
	default:
		return errors.New("content must be a string or an array of parts")
	}
}
