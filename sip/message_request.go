package sip

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/log"
	"github.com/ghettovoice/govoip/internal/util"
)

// Request is a SIP request.
//
// Load-bearing headers are typed fields, everything else lives in Headers.
// The topmost Via is Via[0].
type Request struct {
	Method      RequestMethod
	URI         URI
	Proto       Proto
	Via         []Via
	From        NameAddr
	To          NameAddr
	CallID      string
	CSeq        CSeq
	MaxForwards uint
	Contact     *NameAddr
	Headers     Values
	Body        []byte

	Metadata Metadata
}

// TopVia returns the topmost Via entry.
func (req *Request) TopVia() (Via, bool) {
	if req == nil || len(req.Via) == 0 {
		return Via{}, false
	}
	return req.Via[0], true
}

// Branch returns the topmost Via branch or empty string.
func (req *Request) Branch() string {
	via, ok := req.TopVia()
	if !ok {
		return ""
	}
	return via.Branch()
}

func (req *Request) IsInvite() bool { return req != nil && req.Method.Equal(RequestMethodInvite) }

func (req *Request) IsAck() bool { return req != nil && req.Method.Equal(RequestMethodAck) }

func (req *Request) IsCancel() bool { return req != nil && req.Method.Equal(RequestMethodCancel) }

// Clone returns a deep copy of the request.
func (req *Request) Clone() *Request {
	if req == nil {
		return nil
	}
	req2 := *req
	req2.URI = req.URI.Clone()
	req2.Via = cloneVias(req.Via)
	req2.From = req.From.Clone()
	req2.To = req.To.Clone()
	if req.Contact != nil {
		c := req.Contact.Clone()
		req2.Contact = &c
	}
	req2.Headers = req.Headers.Clone()
	req2.Body = slices.Clone(req.Body)
	req2.Metadata = maps.Clone(req.Metadata)
	return &req2
}

// Validate checks that the request carries all mandatory fields.
func (req *Request) Validate() error {
	if req == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil request"))
	}

	var errs []error
	if !req.Method.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed method %q", string(req.Method)))
	}
	if !req.URI.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed request uri %q", req.URI))
	}
	if len(req.Via) == 0 {
		errs = append(errs, errorutil.Errorf("missing Via"))
	} else if !req.Via[0].IsValid() {
		errs = append(errs, errorutil.Errorf("malformed top Via %q", req.Via[0]))
	}
	if !req.From.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed From %q", req.From))
	}
	if !req.To.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed To %q", req.To))
	}
	if req.CallID == "" {
		errs = append(errs, errorutil.Errorf("missing Call-ID"))
	}
	if !req.CSeq.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed CSeq %q", req.CSeq))
	} else if !req.CSeq.Method.Equal(req.Method) {
		errs = append(errs, errorutil.Errorf("CSeq method %q does not match request method %q",
			string(req.CSeq.Method), string(req.Method)))
	}
	if len(errs) > 0 {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage,
			errorutil.JoinPrefix(string(errMissHdrs), errs...)))
	}
	return nil
}

func (req *Request) RenderTo(w io.Writer) error {
	if req == nil {
		return nil
	}

	proto := req.Proto
	if proto.IsZero() {
		proto = ProtoSIP2
	}
	if _, err := fmt.Fprint(w, string(req.Method), " ", req.URI.String(), " ", proto, "\r\n"); err != nil {
		return errtrace.Wrap(err)
	}
	for _, via := range req.Via {
		if _, err := fmt.Fprint(w, "Via: ", via.String(), "\r\n"); err != nil {
			return errtrace.Wrap(err)
		}
	}
	fmt.Fprint(w, "From: ", req.From.String(), "\r\n")
	fmt.Fprint(w, "To: ", req.To.String(), "\r\n")
	fmt.Fprint(w, "Call-ID: ", req.CallID, "\r\n")
	fmt.Fprint(w, "CSeq: ", req.CSeq.String(), "\r\n")
	fmt.Fprint(w, "Max-Forwards: ", strconv.FormatUint(uint64(req.MaxForwards), 10), "\r\n")
	if req.Contact != nil {
		fmt.Fprint(w, "Contact: ", req.Contact.String(), "\r\n")
	}
	renderExtraHeaders(w, req.Headers)
	fmt.Fprint(w, "Content-Length: ", strconv.Itoa(len(req.Body)), "\r\n\r\n")
	if len(req.Body) > 0 {
		if _, err := w.Write(req.Body); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return nil
}

func (req *Request) Render() string {
	if req == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	req.RenderTo(sb) //nolint:errcheck
	return sb.String()
}

func (req *Request) String() string {
	if req == nil {
		return "<nil>"
	}
	return string(req.Method) + " " + req.URI.String()
}

func (req *Request) Equal(val any) bool {
	var other *Request
	switch v := val.(type) {
	case Request:
		other = &v
	case *Request:
		other = v
	default:
		return false
	}

	if req == other {
		return true
	} else if req == nil || other == nil {
		return false
	}

	return req.Method.Equal(other.Method) &&
		req.URI.Equal(other.URI) &&
		slices.EqualFunc(req.Via, other.Via, func(v1, v2 Via) bool { return v1.Equal(v2) }) &&
		req.From.Equal(other.From) &&
		req.To.Equal(other.To) &&
		req.CallID == other.CallID &&
		req.CSeq.Equal(other.CSeq) &&
		slices.Equal(req.Body, other.Body)
}

func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", string(req.Method)),
		slog.Any("uri", req.URI),
		slog.String("call_id", req.CallID),
		slog.Any("cseq", req.CSeq),
		slog.String("branch", req.Branch()),
		slog.Any("body", log.CalcValue(func() any { return util.Ellipsis(string(req.Body), 64) })),
	)
}

// ResponseOptions customizes a response built with [Request.NewResponse].
type ResponseOptions struct {
	// Reason overrides the default reason phrase for the status.
	Reason string
	// Body is the response payload.
	Body []byte
	// Headers are extra headers copied into the response.
	Headers Values
	// ToTag overrides the generated local To tag.
	ToTag string
}

// NewResponse builds a response for the request as described in RFC 3261
// section 8.2.6: Via, From, To, Call-ID and CSeq are copied from the request
// and a local To tag is added for any non-100 response when the request's To
// has no tag yet.
func (req *Request) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !sts.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed response status %d", uint(sts)))
	}

	if opts == nil {
		opts = &ResponseOptions{}
	}
	reason := opts.Reason
	if reason == "" {
		reason = string(sts.Reason())
	}

	res := &Response{
		Status:   sts,
		Reason:   reason,
		Proto:    req.Proto,
		Via:      cloneVias(req.Via),
		From:     req.From.Clone(),
		To:       req.To.Clone(),
		CallID:   req.CallID,
		CSeq:     req.CSeq,
		Headers:  opts.Headers.Clone(),
		Body:     slices.Clone(opts.Body),
		Metadata: maps.Clone(req.Metadata),
	}
	if sts != 100 && res.To.Tag() == "" {
		tag := opts.ToTag
		if tag == "" {
			tag = GenerateTag(0)
		}
		res.To = res.To.WithTag(tag)
	}
	return res, nil
}
