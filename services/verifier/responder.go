package verifier

import (
	"encoding/json"
	"fmt"

	"relayring/pkg/proto"
)

// The responder side answers peers probing this node. Answering correctly is
// how a relay earns its own score on other nodes' registries.

func (s *Service) AnswerBlindProbe(localID string, payload []byte) ([]byte, error) {
	var probe proto.BlindProbePayload
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("bad blind probe: %w", err)
	}
	// The sealed content is opaque on purpose; accepting carriage is the
	// only correct behavior. The ack names the responder, like a
	// consensus reply does.
	ack := proto.BlindProbeAck{
		ProbeID:  probe.ProbeID,
		RelayID:  localID,
		Accepted: probe.ProbeID != "" && len(probe.Sealed) > 0,
	}
	return json.Marshal(ack)
}

func (s *Service) AnswerRoutingProbe(payload []byte) ([]byte, error) {
	var probe proto.RoutingProbePayload
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("bad routing probe: %w", err)
	}
	if probe.HopsRemaining <= 0 {
		return nil, fmt.Errorf("routing probe hop budget exhausted")
	}
	reply := proto.RoutingProbeReply{
		ProbeID:       probe.ProbeID,
		HopsRemaining: probe.HopsRemaining - 1,
		Forwarded:     true,
	}
	return json.Marshal(reply)
}

func (s *Service) AnswerConsensusQuery(localID string, payload []byte) ([]byte, error) {
	var query proto.ConsensusQueryPayload
	if err := json.Unmarshal(payload, &query); err != nil {
		return nil, fmt.Errorf("bad consensus query: %w", err)
	}
	opinion, known := s.reg.OpinionOf(query.RelayID)
	reply := proto.ConsensusReply{
		RelayID: query.RelayID,
		VoterID: localID,
		Opinion: opinion,
		Known:   known,
	}
	return json.Marshal(reply)
}
