package broker

import (
	"container/list"
	"strings"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const userPrefix = "/user/"

// destinationKey namespaces user scoped destinations by identity so two
// users subscribing to the same nominal target never share a key.
func destinationKey(destination string, owner domain.UserID) string {
	if owner != "" {
		return "user:" + string(owner) + ":" + destination
	}
	return destination
}

func isUserDestination(d string) bool { return strings.HasPrefix(d, userPrefix) }

type subscriber struct {
	socket core.SocketID
	subID  string
}

// subscriberSet keeps subscribers in subscription order with O(1) add and remove.
type subscriberSet struct {
	order *list.List
	index map[subscriber]*list.Element
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{order: list.New(), index: make(map[subscriber]*list.Element)}
}

func (s *subscriberSet) add(sub subscriber) {
	if _, ok := s.index[sub]; ok {
		return
	}
	s.index[sub] = s.order.PushBack(sub)
}

func (s *subscriberSet) remove(sub subscriber) {
	if el, ok := s.index[sub]; ok {
		s.order.Remove(el)
		delete(s.index, sub)
	}
}

func (s *subscriberSet) len() int { return len(s.index) }

func (s *subscriberSet) each(fn func(subscriber)) {
	for el := s.order.Front(); el != nil; el = el.Next() {
		fn(el.Value.(subscriber))
	}
}

// routeTable is the reverse index destination key -> subscribers.
type routeTable struct {
	routes map[string]*subscriberSet
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]*subscriberSet)}
}

func (t *routeTable) add(key string, sub subscriber) {
	set, ok := t.routes[key]
	if !ok {
		set = newSubscriberSet()
		t.routes[key] = set
	}
	set.add(sub)
}

// remove drops sub and prunes the destination when it becomes empty.
func (t *routeTable) remove(key string, sub subscriber) {
	set, ok := t.routes[key]
	if !ok {
		return
	}
	set.remove(sub)
	if set.len() == 0 {
		delete(t.routes, key)
	}
}

func (t *routeTable) subscribers(key string) []subscriber {
	set, ok := t.routes[key]
	if !ok {
		return nil
	}
	out := make([]subscriber, 0, set.len())
	set.each(func(s subscriber) { out = append(out, s) })
	return out
}

func (t *routeTable) size() int { return len(t.routes) }
