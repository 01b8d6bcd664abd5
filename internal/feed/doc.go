// Package feed provides the live feed transport used by the sync core.
//
// A feed is a query over server state (a user's conversation list, one
// conversation's message log, or a set of users' presence). Subscribing
// yields a Subscription whose Events channel first carries an initial
// snapshot and then incremental batches in commit order. Hub is the
// in-process, store-backed implementation served by the gateway; the
// client package implements the same Transport over HTTP.
package feed
