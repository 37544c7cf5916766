package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"relayring/pkg/integrity"
	"relayring/pkg/proto"
	"relayring/services/registry"
	"relayring/services/rotation"
	"relayring/services/verifier"
)

// dispatcher is the single inbound boundary: every message is decoded and
// integrity-checked exactly once here, then routed by type. Handlers past
// this point see only verified payloads.
type dispatcher struct {
	localID string
	codec   *integrity.Codec
	reg     *registry.Service
	ver     *verifier.Service
	rot     *rotation.Service
}

func newDispatcher(localID string, codec *integrity.Codec, reg *registry.Service, ver *verifier.Service, rot *rotation.Service) *dispatcher {
	return &dispatcher{localID: localID, codec: codec, reg: reg, ver: ver, rot: rot}
}

func (d *dispatcher) Handle(ctx context.Context, senderID string, body []byte) ([]byte, error) {
	env, err := integrity.UnmarshalEnvelope(body)
	if err != nil {
		return nil, err
	}
	payload, err := d.codec.Decode(ctx, senderID, env)
	if err != nil {
		if errors.Is(err, integrity.ErrTamper) || errors.Is(err, integrity.ErrReplay) || errors.Is(err, integrity.ErrExpired) {
			log.Printf("dispatch integrity failure sender=%s type=%d: %v", senderID, env.Type, err)
			d.reg.RecordFailure(senderID)
		}
		return nil, err
	}

	replyType := env.Type
	var reply []byte
	switch env.Type {
	case proto.MsgBlindProbe:
		reply, err = d.ver.AnswerBlindProbe(d.localID, payload)
	case proto.MsgRoutingProbe:
		reply, err = d.ver.AnswerRoutingProbe(payload)
	case proto.MsgConsensusQuery:
		reply, err = d.ver.AnswerConsensusQuery(d.localID, payload)
	case proto.MsgKeyChange:
		replyType = proto.MsgKeyChangeAck
		reply, err = d.rot.HandleKeyChange(senderID, payload)
	case proto.MsgConnVerify:
		reply, err = d.rot.HandleConnVerify(senderID, payload)
	case proto.MsgKeyRollback:
		reply, err = d.rot.HandleRollback(senderID, payload)
	default:
		err = fmt.Errorf("unknown message type %d", env.Type)
	}
	if err != nil {
		return nil, err
	}

	replyEnv, err := d.codec.Encode(replyType, reply)
	if err != nil {
		return nil, err
	}
	return replyEnv.Marshal(), nil
}
