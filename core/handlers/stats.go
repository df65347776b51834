package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/searchktools/fast-exchange/core/http"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Content types the Stats handler can produce
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeText     = "text/plain; charset=utf-8"
)

// Stats serves a snapshot from source. The Accept header picks protobuf
// (a google.protobuf.Struct), plain text (the snapshot's String form when
// it has one) or JSON, the default.
type Stats struct {
	Base
	source func() any
}

// NewStats builds a Stats handler. source is called once per request.
func NewStats(source func() any) *Stats {
	return &Stats{source: source}
}

func (s *Stats) OnRequest(req *http.Request, resp *http.Response) error {
	snapshot := s.source()
	accept := req.Header("Accept")

	if strings.Contains(accept, "text/plain") {
		if str, ok := snapshot.(fmt.Stringer); ok {
			resp.SetContentType(ContentTypeText)
			_, err := resp.WriteString(str.String())
			return err
		}
	}

	msg, err := ToStruct(snapshot)
	if err != nil {
		return err
	}

	var body []byte
	if strings.Contains(accept, ContentTypeProtobuf) {
		resp.SetContentType(ContentTypeProtobuf)
		body, err = proto.Marshal(msg)
	} else {
		resp.SetContentType(ContentTypeJSON)
		body, err = protojson.MarshalOptions{Multiline: true}.Marshal(msg)
	}
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	_, err = resp.Write(body)
	return err
}

// ToStruct converts any JSON-encodable value into a protobuf Struct. The
// value must encode as a JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("stats must encode as an object: %w", err)
	}
	return structpb.NewStruct(m)
}
