package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/govoip/sip"
)

// sendReqCall captures a request send call for testing.
type sendReqCall struct {
	req  *sip.Request
	opts *sip.SendRequestOptions
}

// sendResCall captures a response send call for testing.
type sendResCall struct {
	res  *sip.Response
	opts *sip.SendResponseOptions
}

// stubTransport is a test stub implementing sip.Transport that records every
// send on a channel.
type stubTransport struct {
	proto sip.TransportProto
	rel   bool

	mu       sync.Mutex
	sendErr  error
	sentReqs []sendReqCall
	sentRess []sendResCall

	sendReqCh chan sendReqCall
	sendResCh chan sendResCall
}

func newStubTransport(proto sip.TransportProto, rel bool) *stubTransport {
	return &stubTransport{
		proto:     proto,
		rel:       rel,
		sendReqCh: make(chan sendReqCall, 16),
		sendResCh: make(chan sendResCall, 16),
	}
}

func (st *stubTransport) Proto() sip.TransportProto { return st.proto }

func (st *stubTransport) Reliable() bool { return st.rel }

func (st *stubTransport) SendRequest(_ context.Context, req *sip.Request, opts *sip.SendRequestOptions) error {
	call := sendReqCall{req: req}
	if opts != nil {
		copied := *opts
		call.opts = &copied
	}

	st.mu.Lock()
	err := st.sendErr
	st.sentReqs = append(st.sentReqs, call)
	st.mu.Unlock()
	if err != nil {
		return err
	}

	st.sendReqCh <- call
	return nil
}

func (st *stubTransport) SendResponse(_ context.Context, res *sip.Response, opts *sip.SendResponseOptions) error {
	call := sendResCall{res: res}
	if opts != nil {
		copied := *opts
		call.opts = &copied
	}

	st.mu.Lock()
	err := st.sendErr
	st.sentRess = append(st.sentRess, call)
	st.mu.Unlock()
	if err != nil {
		return err
	}

	st.sendResCh <- call
	return nil
}

func (st *stubTransport) setSendErr(err error) {
	st.mu.Lock()
	st.sendErr = err
	st.mu.Unlock()
}

func (st *stubTransport) requestCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sentReqs)
}

// waitSendReq waits for a request to be sent and returns it.
func (st *stubTransport) waitSendReq(tb testing.TB, timeout time.Duration) sendReqCall {
	tb.Helper()
	select {
	case call := <-st.sendReqCh:
		return call
	case <-time.After(timeout):
		tb.Fatalf("expected request send within %v", timeout)
		return sendReqCall{}
	}
}

// waitSendRes waits for a response to be sent and returns it.
func (st *stubTransport) waitSendRes(tb testing.TB, timeout time.Duration) sendResCall {
	tb.Helper()
	select {
	case call := <-st.sendResCh:
		return call
	case <-time.After(timeout):
		tb.Fatalf("expected response send within %v", timeout)
		return sendResCall{}
	}
}

// ensureNoSendReq asserts no request is sent within timeout.
func (st *stubTransport) ensureNoSendReq(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	select {
	case call := <-st.sendReqCh:
		tb.Fatalf("unexpected send: method %v", call.req.Method)
	case <-time.After(timeout):
	}
}

// ensureNoSendRes asserts no response is sent within timeout.
func (st *stubTransport) ensureNoSendRes(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	select {
	case call := <-st.sendResCh:
		tb.Fatalf("unexpected send: status %v", call.res.Status)
	case <-time.After(timeout):
	}
}

// drainSendReqs drains all pending request sends from the channel.
func (st *stubTransport) drainSendReqs() {
	for {
		select {
		case <-st.sendReqCh:
		default:
			return
		}
	}
}

// drainSendRess drains all pending response sends from the channel.
func (st *stubTransport) drainSendRess() {
	for {
		select {
		case <-st.sendResCh:
		default:
			return
		}
	}
}

func newInviteReq(tb testing.TB, tp sip.TransportProto, branch string) *sip.Request {
	tb.Helper()

	if branch == "" {
		branch = sip.MagicCookie + ".stub-branch"
	}
	return &sip.Request{
		Method: sip.RequestMethodInvite,
		URI:    sip.URI{User: "alice", Addr: sip.Host("alice.voip.com")},
		Proto:  sip.ProtoSIP2,
		Via: []sip.Via{{
			Transp: tp,
			Addr:   sip.HostPort("bob.voip.com", 5070),
			Params: make(sip.Values).Set("branch", branch),
		}},
		From: sip.NameAddr{
			URI:    sip.URI{User: "bob", Addr: sip.Host("bob.voip.com")},
			Params: make(sip.Values).Set("tag", "from-1234"),
		},
		To:          sip.NameAddr{URI: sip.URI{User: "alice", Addr: sip.Host("alice.voip.com")}},
		CallID:      "call-1234@bob.voip.com",
		CSeq:        sip.CSeq{Num: 1, Method: sip.RequestMethodInvite},
		MaxForwards: 70,
	}
}

func newNonInviteReq(tb testing.TB, tp sip.TransportProto, branch string) *sip.Request {
	tb.Helper()

	req := newInviteReq(tb, tp, branch)
	req.Method = sip.RequestMethodInfo
	req.CSeq.Method = sip.RequestMethodInfo
	return req
}

func newAckReq(tb testing.TB, invite *sip.Request, res *sip.Response) *sip.Request {
	tb.Helper()

	ack := invite.Clone()
	ack.Method = sip.RequestMethodAck
	ack.CSeq.Method = sip.RequestMethodAck
	ack.To = res.To.Clone()
	if res.IsSuccessful() {
		// ACK for a 2xx travels outside the INVITE transaction.
		via, _ := ack.TopVia()
		via.Params.Set("branch", via.Branch()+".ack")
	}
	return ack
}

func newRes(tb testing.TB, req *sip.Request, sts sip.ResponseStatus) *sip.Response {
	tb.Helper()

	res, err := req.NewResponse(sts, nil)
	if err != nil {
		tb.Fatalf("req.NewResponse(%d, nil) error = %v, want nil", uint(sts), err)
	}
	return res
}

func assertResponseStatus(tb testing.TB, resCh <-chan *sip.Response, want sip.ResponseStatus) {
	tb.Helper()
	select {
	case res := <-resCh:
		if res.Status != want {
			tb.Fatalf("passed up response status = %v, want %v", res.Status, want)
		}
	case <-time.After(100 * time.Millisecond):
		tb.Fatalf("expected %v response passed up", want)
	}
}

func waitForTransactState(tb testing.TB, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("transaction state did not reach %q, got %q", want, tx.State())
}
