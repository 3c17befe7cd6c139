// Package corrosion talks to the Corrosion HTTP API and exposes a Corrosion
// table as a store.Store plus the cluster membership as a
// coordination.Topology.
//
// Subscriptions return the query's current rows first and then stream
// changes after the end-of-query marker; that pair is the snapshot and
// change stream this tool verifies.
package corrosion
