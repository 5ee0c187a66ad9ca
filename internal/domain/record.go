package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
)

const (
	// TopicURLTemplate turns a topic id into its canonical URL.
	TopicURLTemplate = "https://news.hada.io/topic?id=%d"

	DefaultTitle = "No Title"
)

// Record is one upvoted topic. The URL is always derived from ID; rawURL is
// only kept for entries loaded from disk whose URL carries no usable id.
type Record struct {
	ID          int64
	Title       string
	Description string

	rawURL string
}

func NewRecord(id int64, title, description string) Record {
	if title == "" {
		title = DefaultTitle
	}
	return Record{ID: id, Title: title, Description: description}
}

// URL returns the canonical topic URL.
func (r Record) URL() string {
	if r.ID > 0 {
		return fmt.Sprintf(TopicURLTemplate, r.ID)
	}
	return r.rawURL
}

// ParseTopicID extracts the id query parameter from a topic URL.
// It returns 0 when the URL has no positive numeric id.
func ParseTopicID(raw string) int64 {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(u.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// RecordFromURL rebuilds a record from a stored URL.
func RecordFromURL(raw string) Record {
	id := ParseTopicID(raw)
	r := Record{ID: id}
	if id == 0 {
		r.rawURL = raw
	}
	return r
}

type recordJSON struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return marshalNoEscape(recordJSON{
		URL:         r.URL(),
		Title:       r.Title,
		Description: r.Description,
	})
}

// UnmarshalJSON accepts both the object form and the URL-only string form.
func (r *Record) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*r = RecordFromURL(raw)
		return nil
	}

	var v recordJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = RecordFromURL(v.URL)
	r.Title = v.Title
	r.Description = v.Description
	return nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SortByIDDesc orders records by id, highest first. The sort is stable so
// id-less records keep their relative order at the tail.
func SortByIDDesc(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}

// Credentials are read once from the credential file.
type Credentials struct {
	UserID      string
	Password    string
	DataPath    string
	DatabaseURL string
	RabbitMQURL string
}

// Session is the authenticated context for one run. The jar holds whatever
// cookies the login response chain set; every page fetch sends them.
type Session struct {
	UserID string
	Jar    http.CookieJar
}
