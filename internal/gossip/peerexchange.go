package gossip

import "github.com/mycomesh/myco/internal/peerbook"

// BuildPeerExchange samples up to MaxPeerExchange peers (in the peer book's
// stable alias order) to offer to a neighbor, excluding the neighbor itself.
func BuildPeerExchange(peers []peerbook.Peer, excludeAlias string) []PeerAd {
	ads := make([]PeerAd, 0, MaxPeerExchange)
	for _, p := range peers {
		if p.Alias == excludeAlias {
			continue
		}
		ads = append(ads, PeerAd{Alias: p.Alias, Address: p.Address, PubKey: p.PubKey})
		if len(ads) >= MaxPeerExchange {
			break
		}
	}
	return ads
}

// ApplyPeerExchange validates and inserts offered peers into book, ignoring
// self, duplicates by pubkey, and malformed entries (spec.md §4.8). Returns
// the number of peers actually added.
func ApplyPeerExchange(book *peerbook.Book, selfPubKey [32]byte, ads []PeerAd) int {
	var zero [32]byte
	added := 0
	for i, ad := range ads {
		if i >= MaxPeerExchange {
			break
		}
		if ad.PubKey == zero || ad.PubKey == selfPubKey {
			continue
		}
		if len(ad.Alias) == 0 || len(ad.Alias) > peerbook.MaxAliasLen {
			continue
		}
		if len(ad.Address) > peerbook.MaxAddressLen {
			continue
		}
		if book.HasPubKey(ad.PubKey) {
			continue
		}
		if err := book.Add(ad.Alias, ad.Address, ad.PubKey); err == nil {
			added++
		}
	}
	return added
}
