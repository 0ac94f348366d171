package tracker

import (
	"encoding/binary"
	"fmt"
)

// DecodePeers normalizes the tracker's "peers" field — either a
// compact byte string or a list of peer dicts — into a flat,
// order-preserving slice of Peer records.
//
// raw is the value bencode.Unmarshal produced for the "peers" key:
// a string for the compact form, or []interface{} of
// map[string]interface{} for the dict form.
func DecodePeers(raw interface{}) ([]Peer, error) {
	switch v := raw.(type) {
	case string:
		return decodeCompactPeers([]byte(v))
	case []byte:
		return decodeCompactPeers(v)
	case []interface{}:
		return decodeDictPeers(v)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers encoding %T", raw)
	}
}

// decodeCompactPeers splits a compact peer string into 6-byte chunks:
// four bytes of IPv4 followed by a two-byte big-endian port. Trailing
// bytes that don't complete a chunk are a decode error.
func decodeCompactPeers(raw []byte) ([]Peer, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(raw))
	}

	n := len(raw) / 6
	peers := make([]Peer, 0, n)

	for i := 0; i < n; i++ {
		chunk := raw[i*6 : i*6+6]
		host := fmt.Sprintf("%d.%d.%d.%d", chunk[0], chunk[1], chunk[2], chunk[3])
		port := binary.BigEndian.Uint16(chunk[4:6])

		peers = append(peers, Peer{Host: host, Port: port})
	}

	return peers, nil
}

// decodeDictPeers converts the list-of-dicts peer form, preserving
// incoming order.
func decodeDictPeers(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))

	for _, item := range list {
		dict, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("tracker: peer dict entry is %T, want map", item)
		}

		host, _ := dict["ip"].(string)

		var port uint16
		switch p := dict["port"].(type) {
		case int64:
			port = uint16(p)
		case int:
			port = uint16(p)
		}

		var peerID string
		switch id := dict["peer id"].(type) {
		case string:
			peerID = id
		case []byte:
			peerID = string(id)
		}

		peers = append(peers, Peer{Host: host, Port: port, PeerID: peerID})
	}

	return peers, nil
}
