package wsstack

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// services on the wire
const (
	ServiceAuth          = "Auth"
	ServiceDiscover      = "Discover"
	ServiceCreateSession = "CreateSession"
	// gateway to client, without an id
	ServicePublish = "Publish"
	// gateway to client, the server ended the session
	ServiceSessionClosed = "SessionClosed"
)

// error codes on the wire
const (
	ErrorCodeCertificateRejected = "certificate_rejected"
)

// one frame. Requests and their responses share the id.
// Gateway initiated frames have no id.
type Envelope struct {
	Id      string
	Service string
	Body    *structpb.Struct
	// set on a failed response
	Error     string
	ErrorCode string
}

func NewRequestEnvelope(service string, body *structpb.Struct) *Envelope {
	return &Envelope{
		Id:      ulid.Make().String(),
		Service: service,
		Body:    body,
	}
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	fields := map[string]*structpb.Value{
		"service": structpb.NewStringValue(envelope.Service),
	}
	if envelope.Id != "" {
		fields["id"] = structpb.NewStringValue(envelope.Id)
	}
	if envelope.Body != nil {
		fields["body"] = structpb.NewStructValue(envelope.Body)
	}
	if envelope.Error != "" {
		fields["error"] = structpb.NewStringValue(envelope.Error)
	}
	if envelope.ErrorCode != "" {
		fields["error_code"] = structpb.NewStringValue(envelope.ErrorCode)
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

func DecodeEnvelope(envelopeBytes []byte) (*Envelope, error) {
	message := &structpb.Struct{}
	if err := proto.Unmarshal(envelopeBytes, message); err != nil {
		return nil, err
	}
	fields := message.GetFields()
	envelope := &Envelope{
		Id:        fields["id"].GetStringValue(),
		Service:   fields["service"].GetStringValue(),
		Body:      fields["body"].GetStructValue(),
		Error:     fields["error"].GetStringValue(),
		ErrorCode: fields["error_code"].GetStringValue(),
	}
	if envelope.Service == "" {
		return nil, fmt.Errorf("Envelope without service.")
	}
	return envelope, nil
}

// bridges a typed body to a struct through its json form.
// Numbers travel as doubles.
func ToBody(v any) (*structpb.Struct, error) {
	bodyJson, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	body := &structpb.Struct{}
	if err := protojson.Unmarshal(bodyJson, body); err != nil {
		return nil, err
	}
	return body, nil
}

func FromBody(body *structpb.Struct, v any) error {
	if body == nil {
		return fmt.Errorf("Missing body.")
	}
	bodyJson, err := protojson.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(bodyJson, v)
}
