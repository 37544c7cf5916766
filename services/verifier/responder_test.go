package verifier

import (
	"encoding/json"
	"testing"

	"relayring/pkg/proto"
)

func TestAnswerBlindProbe(t *testing.T) {
	s := testVerifier(downTransport{}, &regStub{})
	probe, _ := json.Marshal(proto.BlindProbePayload{ProbeID: "p1", Recipient: "ghost", Sealed: []byte{1, 2, 3}, SealerPub: "pk"})

	raw, err := s.AnswerBlindProbe("local", probe)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	var ack proto.BlindProbeAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ProbeID != "p1" || ack.RelayID != "local" || !ack.Accepted {
		t.Fatalf("unexpected ack %+v", ack)
	}

	empty, _ := json.Marshal(proto.BlindProbePayload{ProbeID: "p2"})
	raw, err = s.AnswerBlindProbe("local", empty)
	if err != nil {
		t.Fatalf("answer empty: %v", err)
	}
	_ = json.Unmarshal(raw, &ack)
	if ack.Accepted {
		t.Fatal("probe without sealed content accepted")
	}
}

func TestAnswerRoutingProbeDecrementsOneHop(t *testing.T) {
	s := testVerifier(downTransport{}, &regStub{})
	probe, _ := json.Marshal(proto.RoutingProbePayload{ProbeID: "p1", HopsRemaining: 3})

	raw, err := s.AnswerRoutingProbe(probe)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	var reply proto.RoutingProbeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.HopsRemaining != 2 || !reply.Forwarded {
		t.Fatalf("unexpected reply %+v", reply)
	}

	exhausted, _ := json.Marshal(proto.RoutingProbePayload{ProbeID: "p2", HopsRemaining: 0})
	if _, err := s.AnswerRoutingProbe(exhausted); err == nil {
		t.Fatal("exhausted hop budget answered")
	}
}

func TestAnswerConsensusQuery(t *testing.T) {
	reg := &regStub{opinions: map[string]float64{"r1": 0.75}}
	s := testVerifier(downTransport{}, reg)
	query, _ := json.Marshal(proto.ConsensusQueryPayload{RelayID: "r1"})

	raw, err := s.AnswerConsensusQuery("local", query)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	var reply proto.ConsensusReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.VoterID != "local" || reply.Opinion != 0.75 || !reply.Known {
		t.Fatalf("unexpected reply %+v", reply)
	}

	unknown, _ := json.Marshal(proto.ConsensusQueryPayload{RelayID: "ghost"})
	raw, _ = s.AnswerConsensusQuery("local", unknown)
	_ = json.Unmarshal(raw, &reply)
	if reply.Known {
		t.Fatal("unknown relay reported as known")
	}
}
