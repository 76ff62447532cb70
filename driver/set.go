package driver

import "github.com/godzie44/dgramtest/libos"

//OutstandingSet is an ordered collection of not yet resolved operations.
type OutstandingSet struct {
	members []Pending
}

func (s *OutstandingSet) Add(p Pending) {
	s.members = append(s.members, p)
}

//Remove delete member at position i keeping the order of the rest.
func (s *OutstandingSet) Remove(i int) Pending {
	p := s.members[i]
	s.members = append(s.members[:i], s.members[i+1:]...)
	return p
}

func (s *OutstandingSet) Len() int {
	return len(s.members)
}

//Count return number of members of given kind.
func (s *OutstandingSet) Count(kind OutcomeKind) int {
	n := 0
	for _, p := range s.members {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

//Tokens return queue tokens in set order.
func (s *OutstandingSet) Tokens() []libos.QToken {
	qts := make([]libos.QToken, len(s.members))
	for i, p := range s.members {
		qts[i] = p.Token
	}
	return qts
}
