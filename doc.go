// Package feedpin keeps a bounded local replica of feeds published on a
// content-addressed network.
//
// A feed is an immutable object graph (index, description, recommendations,
// record list and records with thumbnail, video and audio leaves) published
// under a mutable key. Following a key pins the feed's metadata and as many
// of its newest records as fit a byte budget; refreshing it later pins only
// what changed. Every pin is reference counted, so content shared between
// feeds and caches is fetched and stored once.
//
// # Quick Start
//
// Open a client over an OCI registry and follow a feed:
//
//	s, err := oras.New(ctx, "ghcr.io/acme/feeds", "/var/lib/feedpin/layout",
//	    oras.WithDockerConfig(),
//	)
//	if err != nil {
//	    return err
//	}
//	c, err := feedpin.New(s,
//	    feedpin.WithJournal("/var/lib/feedpin/state.log"),
//	    feedpin.WithFollowCacheTarget(200<<20),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.Follow(ctx, "alice"); err != nil {
//	    return err
//	}
//
// # Caches
//
// Besides followed feeds, records can be pinned on demand with
// [Client.CacheRecord], which keeps them in a least recently used cache
// bounded by [Config.ExplicitCacheTargetBytes], or permanently with
// [Client.AddFavourite].
//
// # Consistency
//
// All state lives behind a single-writer lock and every mutation is
// appended to the journal. [Client.Audit] walks every owner of pins and
// releases pins that nothing owns. Pass [WithAuditOnStart] to [New], or call
// it once afterwards, to repair anything an interrupted run left behind.
// Network pins and unpins run outside the state lock, so queries never wait
// on a download.
package feedpin
