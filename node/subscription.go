package node

import (
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/sruth-project/sruth/filter"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// subscriptionFile is the flat JSON document a subscriber's rootDir/
// subscriptionFile argument names. spec.md §6 calls for an XML loader;
// SPEC_FULL.md replaces it with this JSON form (XML is explicitly out of
// scope per spec.md §1's Non-goals, and JSON is already wired everywhere
// else). Each entry in Filters becomes one member Filter of the resulting
// Predicate; Peers names the publisher addresses to dial, standing in for
// the FilterServerMap a real Tracker round-trip would otherwise supply.
type subscriptionFile struct {
	Filters []subscriptionFilter `json:"filters"`
	Peers   []string             `json:"peers"`
}

type subscriptionFilter struct {
	Everything bool     `json:"everything,omitempty"`
	Patterns   []string `json:"patterns,omitempty"`
}

// Subscription is a loaded subscriptionFile: the predicate a subscriber
// node should run with, and the publisher addresses it should dial.
type Subscription struct {
	Predicate *filter.Predicate
	Peers     []string
}

// LoadSubscription reads path as a subscriptionFile. An empty Filters list
// yields filter.Nothing — a subscriber that wants nothing, which
// terminates immediately per spec.md §8 property 9.
func LoadSubscription(path string) (Subscription, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Subscription{}, err
	}
	var sf subscriptionFile
	if err := jsonAPI.Unmarshal(b, &sf); err != nil {
		return Subscription{}, err
	}

	filters := make([]filter.Filter, 0, len(sf.Filters))
	for _, f := range sf.Filters {
		if f.Everything {
			filters = append(filters, filter.Everything)
			continue
		}
		filters = append(filters, filter.New(f.Patterns...))
	}
	if len(filters) == 0 {
		filters = []filter.Filter{filter.Nothing}
	}

	return Subscription{
		Predicate: filter.NewPredicate(filters...),
		Peers:     sf.Peers,
	}, nil
}
