package registry

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"relayring/pkg/integrity"
	"relayring/pkg/proto"
	"relayring/pkg/transport"
)

const approveOpinion = 0.5

// RingQuorum polls the current first-ring members for their opinion of a
// candidate. In weighted mode each vote counts with the voter's own trust
// score; in simple mode every member counts once. Non-responding members
// count against approval, so a partitioned ring cannot wave candidates in.
type RingQuorum struct {
	tr      transport.Transport
	codec   *integrity.Codec
	mode    string
	timeout time.Duration
}

func NewRingQuorum(tr transport.Transport, codec *integrity.Codec, mode string, timeout time.Duration) *RingQuorum {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RingQuorum{tr: tr, codec: codec, mode: normalizeQuorumMode(mode), timeout: timeout}
}

func (q *RingQuorum) Approve(ctx context.Context, candidate proto.RelayRecord, ring []proto.RelayRecord) bool {
	if len(ring) == 0 {
		return true
	}
	type vote struct {
		weight  float64
		approve bool
	}
	votes := make([]vote, len(ring))
	var wg sync.WaitGroup
	for i, member := range ring {
		weight := member.OverallScore
		if q.mode == QuorumSimple {
			weight = 1
		}
		votes[i] = vote{weight: weight}
		wg.Add(1)
		go func(i int, member proto.RelayRecord) {
			defer wg.Done()
			opinion, err := q.pollMember(ctx, candidate.RelayID, member)
			if err != nil {
				log.Printf("registry quorum poll failed member=%s: %v", member.RelayID, err)
				return
			}
			votes[i].approve = opinion >= approveOpinion
		}(i, member)
	}
	wg.Wait()

	var total, approved float64
	for _, v := range votes {
		total += v.weight
		if v.approve {
			approved += v.weight
		}
	}
	return total > 0 && approved > total/2
}

func (q *RingQuorum) pollMember(ctx context.Context, candidateID string, member proto.RelayRecord) (float64, error) {
	payload, err := json.Marshal(proto.ConsensusQueryPayload{RelayID: candidateID})
	if err != nil {
		return 0, err
	}
	env, err := q.codec.Encode(proto.MsgConsensusQuery, payload)
	if err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	raw, err := q.tr.Send(callCtx, member.Address, env.Marshal())
	if err != nil {
		return 0, err
	}
	replyEnv, err := integrity.UnmarshalEnvelope(raw)
	if err != nil {
		return 0, err
	}
	replyPayload, err := q.codec.Decode(callCtx, member.RelayID, replyEnv)
	if err != nil {
		return 0, err
	}
	var reply proto.ConsensusReply
	if err := json.Unmarshal(replyPayload, &reply); err != nil {
		return 0, err
	}
	if !reply.Known {
		return 0, nil
	}
	return reply.Opinion, nil
}
