package smb

// keyKind namespaces the composite lookup keys so the different per-flow maps
// can never collide on raw header values.
type keyKind int

const (
	keyKindGenericTx keyKind = iota
	keyKindOffset
	keyKindFilename
	keyKindShare
	keyKindGuid
	keyKindTxName
	keyKindHeader
)

// hdrKey is the composite identity used for request/response correlation and
// the auxiliary lookaside maps. Fields not relevant for a kind stay zero.
type hdrKey struct {
	Kind        keyKind
	SessionID   uint64
	TreeID      uint32
	MultiplexID uint64
}

func genericTxKey(ssn uint64, tree uint32, mid uint64) hdrKey {
	return hdrKey{Kind: keyKindGenericTx, SessionID: ssn, TreeID: tree, MultiplexID: mid}
}

func offsetKey(ssn uint64, tree uint32, mid uint64) hdrKey {
	return hdrKey{Kind: keyKindOffset, SessionID: ssn, TreeID: tree, MultiplexID: mid}
}

func filenameKey(ssn uint64) hdrKey {
	return hdrKey{Kind: keyKindFilename, SessionID: ssn}
}

func treeKey(ssn uint64, tree uint32) hdrKey {
	return hdrKey{Kind: keyKindShare, SessionID: ssn, TreeID: tree}
}

// transKey marks a named-transaction exchange whose response payload must be
// routed into the pipe tunnel.
func transKey(ssn uint64, tree uint32, mid uint64) hdrKey {
	return hdrKey{Kind: keyKindHeader, SessionID: ssn, TreeID: tree, MultiplexID: mid}
}

func guidKey(ssn uint64, tree uint32, fid uint64) hdrKey {
	return hdrKey{Kind: keyKindGuid, SessionID: ssn, TreeID: tree, MultiplexID: fid}
}
