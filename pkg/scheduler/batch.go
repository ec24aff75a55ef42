package scheduler

import (
	"github.com/google/uuid"

	"github.com/bmwdiag/ediag/pkg/services"
)

// SubmitReadPids enqueues one ReadDataByIdentifier request per pid at
// PriorityLow, preserving caller order. The
// returned channels are in the same order as pids; a caller can await
// them individually for streaming partial results, or pass them to
// AwaitAll for the whole batch.
func (s *Scheduler) SubmitReadPids(ecuID string, pids []byte) []<-chan Response {
	out := make([]<-chan Response, len(pids))
	for i, pid := range pids {
		req := NewRequest(uuid.New().String(), ecuID, services.ServiceReadDataByIdentifier, []byte{pid}, PriorityLow)
		out[i] = s.Submit(req)
	}
	return out
}

// AwaitAll blocks until every channel has delivered its Response, in
// the order the channels are given.
func AwaitAll(chans []<-chan Response) []Response {
	out := make([]Response, len(chans))
	for i, c := range chans {
		out[i] = <-c
	}
	return out
}
