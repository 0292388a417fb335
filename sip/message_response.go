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

// Response is a SIP response.
//
// The same typed-field layout as [Request]: load-bearing headers are fields,
// everything else is in Headers.
type Response struct {
	Status  ResponseStatus
	Reason  string
	Proto   Proto
	Via     []Via
	From    NameAddr
	To      NameAddr
	CallID  string
	CSeq    CSeq
	Contact *NameAddr
	Headers Values
	Body    []byte

	Metadata Metadata
}

// TopVia returns the topmost Via entry.
func (res *Response) TopVia() (Via, bool) {
	if res == nil || len(res.Via) == 0 {
		return Via{}, false
	}
	return res.Via[0], true
}

// Branch returns the topmost Via branch or empty string.
func (res *Response) Branch() string {
	via, ok := res.TopVia()
	if !ok {
		return ""
	}
	return via.Branch()
}

func (res *Response) IsProvisional() bool { return res != nil && res.Status.IsProvisional() }

func (res *Response) IsSuccessful() bool { return res != nil && res.Status.IsSuccessful() }

func (res *Response) IsFinal() bool { return res != nil && res.Status.IsFinal() }

// Clone returns a deep copy of the response.
func (res *Response) Clone() *Response {
	if res == nil {
		return nil
	}
	res2 := *res
	res2.Via = cloneVias(res.Via)
	res2.From = res.From.Clone()
	res2.To = res.To.Clone()
	if res.Contact != nil {
		c := res.Contact.Clone()
		res2.Contact = &c
	}
	res2.Headers = res.Headers.Clone()
	res2.Body = slices.Clone(res.Body)
	res2.Metadata = maps.Clone(res.Metadata)
	return &res2
}

// Validate checks that the response carries all mandatory fields.
func (res *Response) Validate() error {
	if res == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil response"))
	}

	var errs []error
	if !res.Status.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed status %d", uint(res.Status)))
	}
	if len(res.Via) == 0 {
		errs = append(errs, errorutil.Errorf("missing Via"))
	}
	if !res.From.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed From %q", res.From))
	}
	if !res.To.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed To %q", res.To))
	}
	if res.CallID == "" {
		errs = append(errs, errorutil.Errorf("missing Call-ID"))
	}
	if !res.CSeq.IsValid() {
		errs = append(errs, errorutil.Errorf("malformed CSeq %q", res.CSeq))
	}
	if len(errs) > 0 {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage,
			errorutil.JoinPrefix(string(errMissHdrs), errs...)))
	}
	return nil
}

func (res *Response) RenderTo(w io.Writer) error {
	if res == nil {
		return nil
	}

	proto := res.Proto
	if proto.IsZero() {
		proto = ProtoSIP2
	}
	if _, err := fmt.Fprint(w, proto, " ", uint(res.Status), " ", res.Reason, "\r\n"); err != nil {
		return errtrace.Wrap(err)
	}
	for _, via := range res.Via {
		if _, err := fmt.Fprint(w, "Via: ", via.String(), "\r\n"); err != nil {
			return errtrace.Wrap(err)
		}
	}
	fmt.Fprint(w, "From: ", res.From.String(), "\r\n")
	fmt.Fprint(w, "To: ", res.To.String(), "\r\n")
	fmt.Fprint(w, "Call-ID: ", res.CallID, "\r\n")
	fmt.Fprint(w, "CSeq: ", res.CSeq.String(), "\r\n")
	if res.Contact != nil {
		fmt.Fprint(w, "Contact: ", res.Contact.String(), "\r\n")
	}
	renderExtraHeaders(w, res.Headers)
	fmt.Fprint(w, "Content-Length: ", strconv.Itoa(len(res.Body)), "\r\n\r\n")
	if len(res.Body) > 0 {
		if _, err := w.Write(res.Body); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return nil
}

func (res *Response) Render() string {
	if res == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	res.RenderTo(sb) //nolint:errcheck
	return sb.String()
}

func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	return res.Status.String()
}

func (res *Response) Equal(val any) bool {
	var other *Response
	switch v := val.(type) {
	case Response:
		other = &v
	case *Response:
		other = v
	default:
		return false
	}

	if res == other {
		return true
	} else if res == nil || other == nil {
		return false
	}

	return res.Status == other.Status &&
		util.EqFold(res.Reason, other.Reason) &&
		slices.EqualFunc(res.Via, other.Via, func(v1, v2 Via) bool { return v1.Equal(v2) }) &&
		res.From.Equal(other.From) &&
		res.To.Equal(other.To) &&
		res.CallID == other.CallID &&
		res.CSeq.Equal(other.CSeq) &&
		slices.Equal(res.Body, other.Body)
}

func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("status", res.Status.String()),
		slog.String("call_id", res.CallID),
		slog.Any("cseq", res.CSeq),
		slog.String("branch", res.Branch()),
		slog.Any("body", log.CalcValue(func() any { return util.Ellipsis(string(res.Body), 64) })),
	)
}
