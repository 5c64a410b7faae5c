// Package vkclient is a client core for Valkey/Redis-family servers: a
// multiplexed request/response engine over RESP2/RESP3, cluster topology
// tracking with MOVED/ASK redirection, read-replica dispatch, pub/sub
// delivery, and atomic transactions or non-atomic pipelines.
//
// A Client is constructed with functional options and is safe for
// concurrent use by multiple goroutines:
//
//	client, err := vkclient.NewClient(
//		vkclient.WithAddresses(vkclient.Address{Host: "127.0.0.1", Port: 6379}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	val, ok, err := client.Get(ctx, "some-key")
//
// Cluster mode is enabled with WithClusterMode and a seed list of node
// addresses; the client bootstraps its slot map from CLUSTER SLOTS or
// CLUSTER SHARDS and keeps it current via periodic refresh and on-redirect
// updates. Batches (pipelines and atomic transactions) are built with
// NewPipeline/NewAtomic and run with Execute. Pub/sub is delivered through
// Subscribe/PSubscribe/SSubscribe plus Pull (blocking) or Poll
// (non-blocking).
package vkclient
