package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"

	"github.com/devrev/orset/internal/model"
)

// CodecName is the content subtype the store service is spoken in
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Request is the single message type accepted by every store method.
// Fields not used by a method are left empty.
type Request struct {
	ClusterID   string            `json:"cluster_id,omitempty"`
	StoreID     string            `json:"store_id,omitempty"`
	CheckOnline bool              `json:"check_online,omitempty"`
	Value       string            `json:"value,omitempty"`
	Online      bool              `json:"online,omitempty"`
	Timestamps  *model.Timestamps `json:"timestamps,omitempty"`
	Elements    []*model.Element  `json:"elements,omitempty"`
}

// Response is the single message type returned by every store method
type Response struct {
	Found      bool                  `json:"found,omitempty"`
	Topology   []model.TopologyEntry `json:"topology,omitempty"`
	Timestamps *model.Timestamps     `json:"timestamps,omitempty"`
	Elements   []*model.Element      `json:"elements,omitempty"`
}
