package orch

import (
	"context"

	"github.com/dkeye/StudyRoom/internal/app"
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
)

func (o *Orchestrator) dispatch(ctx context.Context, sess *app.Session, msg Inbound, b *outbox) (any, error) {
	switch msg.Type {
	case MsgJoin:
		req, err := decode[JoinRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		return o.join(ctx, sess, req, b)
	case MsgLeave:
		return o.leave(sess, b), nil
	case MsgGetRouterRTPCaps:
		return o.routerCapabilities(sess)
	case MsgCreateProducerTransport:
		return o.createTransport(ctx, sess, domain.DirectionSend)
	case MsgCreateConsumerTransport:
		return o.createTransport(ctx, sess, domain.DirectionRecv)
	case MsgConnectTransport:
		req, err := decode[ConnectTransportRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, sess.ConnectTransport(ctx, req.TransportID, req.ConnectParameters)
	case MsgProduce:
		req, err := decode[ProduceRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		return o.produce(ctx, sess, req, b)
	case MsgConsume:
		req, err := decode[ConsumeRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		return o.consume(ctx, sess, req)
	case MsgResume:
		req, err := decode[ResumeRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, sess.ResumeConsumer(ctx, req.ConsumerID)
	case MsgCloseProducer:
		req, err := decode[CloseProducerRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, o.closeProducer(sess, req, b)
	case MsgStartScreenShare:
		req, err := decode[StartScreenShareRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		return o.startScreenShare(ctx, sess, req, b)
	case MsgStopScreenShare:
		return o.stopScreenShare(sess, b)
	case MsgAddICECandidate:
		req, err := decode[AddICECandidateRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		queued, err := sess.AddICECandidate(ctx, req.TransportID, req.Direction, req.Candidate)
		if err != nil {
			return nil, err
		}
		return AddICECandidateResponse{Queued: queued}, nil
	case MsgRestartICE:
		req, err := decode[RestartICERequest](msg.Data)
		if err != nil {
			return nil, err
		}
		params, err := sess.RestartICE(ctx, req.TransportID)
		if err != nil {
			return nil, err
		}
		return RestartICEResponse{ICEParameters: params}, nil
	}
	return nil, core.BadRequest("unknown message type %q", msg.Type)
}

// joinedRoom resolves the session's room or the error explaining why not.
func joinedRoom(sess *app.Session) (*core.Room, domain.MemberID, error) {
	room, member, ok := sess.Room()
	if ok {
		return room, member, nil
	}
	if sess.State() == app.StateClosed {
		return nil, "", core.ErrSessionClosed
	}
	return nil, "", core.ErrNotJoined
}
