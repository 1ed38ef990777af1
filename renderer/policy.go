package renderer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// Action is what the interceptor does with a sub-resource of some type.
type Action string

const (
	// ActionContinue lets the browser fetch the resource itself.
	ActionContinue Action = "continue"
	// ActionFetch fetches the resource out-of-band and injects the response.
	ActionFetch Action = "fetch"
	// ActionStub answers with a minimal placeholder for the type.
	ActionStub Action = "stub"
	// ActionAbort fails the request as blocked by the client.
	ActionAbort Action = "abort"
)

// ParseAction accepts the lower-case action names.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionContinue, ActionFetch, ActionStub, ActionAbort:
		return a, nil
	default:
		return "", fmt.Errorf("renderer: unknown resource action %q", s)
	}
}

// ResourcePolicy maps a sub-resource type to its Action. Types without an
// entry are aborted. Documents never go through the policy.
type ResourcePolicy map[proto.NetworkResourceType]Action

// DefaultResourcePolicy keeps everything that can run script or feed it
// data, stubs what scripts commonly wait on, and drops the rest.
func DefaultResourcePolicy() ResourcePolicy {
	return ResourcePolicy{
		proto.NetworkResourceTypeScript:      ActionContinue,
		proto.NetworkResourceTypeXHR:         ActionContinue,
		proto.NetworkResourceTypeFetch:       ActionContinue,
		proto.NetworkResourceTypeEventSource: ActionContinue,
		proto.NetworkResourceTypeOther:       ActionContinue,
		proto.NetworkResourceTypeStylesheet:  ActionStub,
		proto.NetworkResourceTypeMedia:       ActionStub,
		proto.NetworkResourceTypeImage:       ActionAbort,
		proto.NetworkResourceTypeFont:        ActionAbort,
	}
}

// Action returns the action for t.
func (p ResourcePolicy) Action(t proto.NetworkResourceType) Action {
	if a, ok := p[t]; ok {
		return a
	}
	return ActionAbort
}

// With returns a copy of p with overrides applied. Keys are CDP resource
// type names (Image, Stylesheet, XHR, ...), matched case-insensitively.
func (p ResourcePolicy) With(overrides map[string]string) (ResourcePolicy, error) {
	out := make(ResourcePolicy, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for name, action := range overrides {
		t, err := parseResourceType(name)
		if err != nil {
			return nil, err
		}
		a, err := ParseAction(action)
		if err != nil {
			return nil, err
		}
		out[t] = a
	}
	return out, nil
}

var resourceTypes = []proto.NetworkResourceType{
	proto.NetworkResourceTypeStylesheet,
	proto.NetworkResourceTypeImage,
	proto.NetworkResourceTypeMedia,
	proto.NetworkResourceTypeFont,
	proto.NetworkResourceTypeScript,
	proto.NetworkResourceTypeTextTrack,
	proto.NetworkResourceTypeXHR,
	proto.NetworkResourceTypeFetch,
	proto.NetworkResourceTypePrefetch,
	proto.NetworkResourceTypeEventSource,
	proto.NetworkResourceTypeManifest,
	proto.NetworkResourceTypePing,
	proto.NetworkResourceTypeOther,
}

func parseResourceType(name string) (proto.NetworkResourceType, error) {
	for _, t := range resourceTypes {
		if strings.EqualFold(string(t), strings.TrimSpace(name)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("renderer: unknown resource type %q", name)
}

// silentWAV is a valid, empty 8 kHz mono PCM WAV file (header only).
var silentWAV = func() []byte {
	var b bytes.Buffer
	w := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }
	b.WriteString("RIFF")
	w(uint32(36))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	w(uint32(16))   // fmt chunk size
	w(uint16(1))    // PCM
	w(uint16(1))    // mono
	w(uint32(8000)) // sample rate
	w(uint32(8000)) // byte rate
	w(uint16(1))    // block align
	w(uint16(8))    // bits per sample
	b.WriteString("data")
	w(uint32(0))
	return b.Bytes()
}()

// stub returns the placeholder response for t.
func stub(t proto.NetworkResourceType) (http.Header, []byte) {
	h := http.Header{}
	h.Set("Cache-Control", "no-store")
	switch t {
	case proto.NetworkResourceTypeStylesheet:
		h.Set("Content-Type", "text/css")
		return h, []byte{}
	case proto.NetworkResourceTypeMedia:
		h.Set("Content-Type", "audio/wav")
		return h, silentWAV
	default:
		h.Set("Content-Type", "text/plain")
		return h, []byte{}
	}
}
