package endpoint

import (
	"context"
	"net"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/messagelayer"
	"github.com/coreway/coap/internal/obs"
	"github.com/coreway/coap/internal/protoerr"
	"github.com/coreway/coap/internal/transaction"
)

// Start binds the configured socket(s) and launches the packet-handler
// loop(s) and background tasks (§4.6), returning once the endpoint is ready
// to send and receive. A client-only caller (no resources added) calls
// Start once and then uses Get/Put/Post/Delete/Observe; a server calls
// ListenAndServe instead, which additionally blocks.
func (e *Endpoint) Start() error {
	uaddr, err := net.ResolveUDPAddr("udp", e.cfg.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return err
	}
	e.conn = conn

	for _, group := range e.cfg.MulticastGroups {
		gaddr, err := net.ResolveUDPAddr("udp", group)
		if err != nil {
			return err
		}
		mconn, err := net.ListenMulticastUDP("udp", e.cfg.MulticastInterface, gaddr)
		if err != nil {
			return err
		}
		e.mconns = append(e.mconns, mconn)
	}

	e.wg.Add(1)
	go e.readLoop(conn)
	for _, mconn := range e.mconns {
		e.wg.Add(1)
		go e.readLoop(mconn)
	}

	e.wg.Add(2)
	go e.notifyDispatcher()
	go e.sweeper()
	return nil
}

// ListenAndServe calls Start and then blocks until Close is called.
func (e *Endpoint) ListenAndServe() error {
	if err := e.Start(); err != nil {
		return err
	}
	<-e.closeCh
	return nil
}

func (e *Endpoint) readLoop(conn *net.UDPConn) {
	defer e.wg.Done()
	buf := make([]byte, receivingBuffer)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			obs.Warn("read error: %v", err)
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handlePacket(data, addr)
		}()
	}
}

// handlePacket runs one inbound datagram through the full pipeline (§2 data
// flow), recovering from a handler panic the way the teacher's dispatcher
// does so one bad packet cannot take the driver down.
func (e *Endpoint) handlePacket(data []byte, addr net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("panic handling packet from %v: %v", addr, r)
		}
	}()

	msg, err := coap.Decode(data, addr)
	if err != nil {
		if pe, ok := err.(*coap.ProtocolError); ok && pe.HasMID {
			e.replyRST(addr, pe.MID)
		}
		obs.Warn("decode error from %v: %v", addr, err)
		return
	}

	switch {
	case msg.Code.IsRequest():
		e.handleRequest(msg)
	case msg.Code.IsResponse():
		e.handleResponse(msg)
	default:
		e.handleEmpty(msg)
	}
}

func (e *Endpoint) replyRST(addr net.Addr, mid uint16) {
	rst := coap.NewMessage(coap.Reset, coap.Empty)
	rst.MessageID = mid
	rst.Destination = addr
	if err := e.send(rst); err != nil {
		obs.Warn("send RST failed: %v", err)
	}
}

func (e *Endpoint) handleRequest(req *coap.Message) {
	tx, err := e.msg.ReceiveRequest(req)
	if err != nil {
		if pe, ok := err.(*protoerr.ProtocolError); ok && pe.HasMID {
			e.replyRST(req.Source, pe.MID)
		}
		return
	}
	if req.Duplicated {
		if tx.Response != nil {
			if err := e.send(tx.Response); err != nil {
				obs.Warn("resend cached response failed: %v", err)
			}
		}
		return
	}

	resp := coap.NewMessage(0, coap.Empty)
	resp.Destination = req.Source
	resp.Token = req.Token
	tx.Response = resp

	if err := e.block.ReceiveRequest(tx); err != nil {
		e.answerWithError(tx, err)
		return
	}
	if tx.BlockTransfer {
		e.msg.SendResponse(tx)
		if err := e.send(tx.Response); err != nil {
			obs.Warn("send block-continue response failed: %v", err)
		}
		return
	}

	e.observe.ReceiveRequest(tx)

	if err := e.req.ReceiveRequest(context.Background(), tx); err != nil {
		e.answerWithError(tx, err)
		return
	}
	e.finishResponse(tx)
}

// answerWithError synthesises the response an *protoerr.InternalError (or
// any other handler fault) demands and finishes the exchange (§7).
func (e *Endpoint) answerWithError(tx *transaction.Transaction, err error) {
	if ie, ok := err.(*protoerr.InternalError); ok {
		tx.Response.Code = ie.Code
		tx.Response.Payload = ie.Payload
	} else {
		obs.Error("handler fault: %v", err)
		tx.Response.Code = coap.InternalServerError
		tx.Response.Payload = []byte(err.Error())
	}
	e.finishResponse(tx)
}

// finishResponse runs a completed exchange back down through Observe,
// Block and Message layers and onto the wire (§2 data flow, reverse half).
func (e *Endpoint) finishResponse(tx *transaction.Transaction) {
	if err := e.observe.SendResponse(tx); err != nil {
		if oe, ok := err.(*protoerr.ObserveError); ok {
			tx.Response.Code = oe.Code
			tx.Response.Type = coap.Confirmable
			tx.Response.Payload = nil
		}
	}
	e.block.SendResponse(tx)
	e.msg.SendResponse(tx)
	e.metrics.ExchangesTotal.WithLabelValues(outcomeLabel(tx.Response.Code)).Inc()
	if err := e.send(tx.Response); err != nil {
		obs.Warn("send response failed: %v", err)
		return
	}
	if tx.Response.Type == coap.Confirmable {
		e.msg.StartRetransmit(tx, tx.Response, e.sendFunc)
	}
}

func outcomeLabel(code coap.Code) string {
	switch {
	case code.IsError():
		return "error"
	default:
		return "success"
	}
}

func (e *Endpoint) handleResponse(resp *coap.Message) {
	tx, err := e.msg.ReceiveResponse(resp)
	if err != nil {
		if pe, ok := err.(*protoerr.ProtocolError); ok && pe.HasMID {
			e.replyRST(resp.Source, pe.MID)
		}
		return
	}
	if tx == nil {
		return
	}
	if err := e.block.ReceiveResponse(tx); err != nil {
		obs.Warn("block reassembly error from %v: %v", resp.Source, err)
	}
	if resp.Type == coap.Confirmable {
		ack := e.msg.SendEmpty(tx, messagelayer.RelatedResponse, nil)
		if err := e.send(ack); err != nil {
			obs.Warn("send notification ack failed: %v", err)
		}
	}
}

func (e *Endpoint) handleEmpty(msg *coap.Message) {
	tx, err := e.msg.ReceiveEmpty(msg)
	if err != nil {
		if pe, ok := err.(*protoerr.PongError); ok && pe.WasConfirmable {
			e.replyRST(msg.Source, pe.MID)
		}
		return
	}
	if msg.Type == coap.Reset {
		e.observe.ReceiveEmpty(msg, tx)
	}
}
