package sip

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/ghettovoice/govoip/internal/randutils"
	"github.com/ghettovoice/govoip/internal/types"
	"github.com/ghettovoice/govoip/internal/util"
)

// Proto describes the SIP protocol name and version of a message.
type Proto = types.ProtoInfo

// ProtoSIP2 is the only protocol version produced by this stack.
var ProtoSIP2 = Proto{Name: "SIP", Version: "2.0"}

type (
	RequestMethod  = types.RequestMethod
	ResponseStatus = types.ResponseStatus
	TransportProto = types.TransportProto
	Addr           = types.Addr
	Values         = types.Values
)

const (
	RequestMethodAck       = types.RequestMethodAck
	RequestMethodBye       = types.RequestMethodBye
	RequestMethodCancel    = types.RequestMethodCancel
	RequestMethodInfo      = types.RequestMethodInfo
	RequestMethodInvite    = types.RequestMethodInvite
	RequestMethodMessage   = types.RequestMethodMessage
	RequestMethodNotify    = types.RequestMethodNotify
	RequestMethodOptions   = types.RequestMethodOptions
	RequestMethodPrack     = types.RequestMethodPrack
	RequestMethodPublish   = types.RequestMethodPublish
	RequestMethodRefer     = types.RequestMethodRefer
	RequestMethodRegister  = types.RequestMethodRegister
	RequestMethodSubscribe = types.RequestMethodSubscribe
	RequestMethodUpdate    = types.RequestMethodUpdate
)

const (
	TransportProtoUDP = types.TransportProtoUDP
	TransportProtoTCP = types.TransportProtoTCP
	TransportProtoTLS = types.TransportProtoTLS
	TransportProtoWS  = types.TransportProtoWS
	TransportProtoWSS = types.TransportProtoWSS
)

// Host creates an address without a port.
func Host(host string) Addr { return types.Host(host) }

// HostPort creates an address with an explicit port.
func HostPort(host string, port uint16) Addr { return types.HostPort(host, port) }

// MagicCookie is the RFC 3261 branch prefix that marks a compliant Via branch.
const MagicCookie = "z9hG4bK"

// GenerateBranch returns a new unique RFC 3261 compliant Via branch.
func GenerateBranch() string { return MagicCookie + "." + randutils.RandString(16) }

// GenerateTag returns a new random tag of n characters.
// Non-positive n falls back to 16.
func GenerateTag(n int) string {
	if n <= 0 {
		n = 16
	}
	return randutils.RandString(n)
}

// Metadata carries arbitrary application data attached to a message.
type Metadata map[string]any

// URI is a SIP or SIPS uri.
type URI struct {
	Scheme string
	User   string
	Addr   Addr
	Params Values
}

func (u URI) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	u.renderTo(sb)
	return sb.String()
}

func (u URI) renderTo(w io.Writer) {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	fmt.Fprint(w, scheme, ":")
	if u.User != "" {
		fmt.Fprint(w, u.User, "@")
	}
	fmt.Fprint(w, u.Addr)
	renderParams(w, u.Params)
}

func (u URI) Clone() URI {
	u.Addr = u.Addr.Clone()
	u.Params = u.Params.Clone()
	return u
}

func (u URI) IsValid() bool {
	switch util.LCase(u.Scheme) {
	case "", "sip", "sips":
	default:
		return false
	}
	return u.Addr.IsValid()
}

func (u URI) Equal(val any) bool {
	var other URI
	switch v := val.(type) {
	case URI:
		other = v
	case *URI:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return util.EqFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		u.Addr.Equal(other.Addr)
}

func (u URI) LogValue() slog.Value { return slog.StringValue(u.String()) }

// NameAddr is a From/To/Contact style address with an optional display name
// and header parameters.
type NameAddr struct {
	DisplayName string
	URI         URI
	Params      Values
}

// Tag returns the "tag" parameter or empty string.
func (na NameAddr) Tag() string {
	v, _ := na.Params.First("tag")
	return v
}

// WithTag returns a copy of the address with the "tag" parameter set.
func (na NameAddr) WithTag(tag string) NameAddr {
	na = na.Clone()
	if na.Params == nil {
		na.Params = make(Values, 1)
	}
	na.Params.Set("tag", tag)
	return na
}

func (na NameAddr) Clone() NameAddr {
	na.URI = na.URI.Clone()
	na.Params = na.Params.Clone()
	return na
}

func (na NameAddr) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	na.renderTo(sb)
	return sb.String()
}

func (na NameAddr) renderTo(w io.Writer) {
	if na.DisplayName != "" {
		fmt.Fprint(w, strconv.Quote(na.DisplayName), " ")
	}
	fmt.Fprint(w, "<")
	na.URI.renderTo(w)
	fmt.Fprint(w, ">")
	renderParams(w, na.Params)
}

func (na NameAddr) IsValid() bool { return na.URI.IsValid() }

func (na NameAddr) Equal(val any) bool {
	var other NameAddr
	switch v := val.(type) {
	case NameAddr:
		other = v
	case *NameAddr:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return na.URI.Equal(other.URI) && na.Tag() == other.Tag()
}

func (na NameAddr) LogValue() slog.Value { return slog.StringValue(na.String()) }

// Via is a single Via header entry.
type Via struct {
	Proto  Proto
	Transp TransportProto
	Addr   Addr
	Params Values
}

// Branch returns the "branch" parameter or empty string.
func (v Via) Branch() string {
	b, _ := v.Params.First("branch")
	return b
}

// IsRFC3261Branch reports whether the branch carries the RFC 3261 magic cookie.
func (v Via) IsRFC3261Branch() bool {
	b := v.Branch()
	return len(b) > len(MagicCookie) && b[:len(MagicCookie)] == MagicCookie
}

func (v Via) Clone() Via {
	v.Addr = v.Addr.Clone()
	v.Params = v.Params.Clone()
	return v
}

func (v Via) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	v.renderTo(sb)
	return sb.String()
}

func (v Via) renderTo(w io.Writer) {
	proto := v.Proto
	if proto.IsZero() {
		proto = ProtoSIP2
	}
	fmt.Fprint(w, proto, "/", v.Transp.ToUpper(), " ", v.Addr)
	renderParams(w, v.Params)
}

func (v Via) IsValid() bool { return v.Transp.IsValid() && v.Addr.IsValid() }

func (v Via) Equal(val any) bool {
	var other Via
	switch vv := val.(type) {
	case Via:
		other = vv
	case *Via:
		if vv == nil {
			return false
		}
		other = *vv
	default:
		return false
	}
	return v.Transp.Equal(other.Transp) &&
		v.Addr.Equal(other.Addr) &&
		v.Branch() == other.Branch()
}

func (v Via) LogValue() slog.Value { return slog.StringValue(v.String()) }

func cloneVias(vias []Via) []Via {
	if vias == nil {
		return nil
	}
	out := make([]Via, len(vias))
	for i, v := range vias {
		out[i] = v.Clone()
	}
	return out
}

// CSeq is the command sequence number and method of a message.
type CSeq struct {
	Num    uint32
	Method RequestMethod
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Num), 10) + " " + string(c.Method)
}

func (c CSeq) IsValid() bool { return c.Method.IsValid() }

func (c CSeq) Equal(val any) bool {
	var other CSeq
	switch v := val.(type) {
	case CSeq:
		other = v
	case *CSeq:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return c.Num == other.Num && c.Method.Equal(other.Method)
}

func (c CSeq) LogValue() slog.Value { return slog.StringValue(c.String()) }

func renderParams(w io.Writer, params Values) {
	for key, vals := range params {
		for _, val := range vals {
			fmt.Fprint(w, ";", key)
			if val != "" {
				fmt.Fprint(w, "=", val)
			}
		}
	}
}

func renderExtraHeaders(w io.Writer, hdrs Values) {
	for key, vals := range hdrs {
		for _, val := range vals {
			fmt.Fprint(w, key, ": ", val, "\r\n")
		}
	}
}
