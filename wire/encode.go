package wire

import "chainctl/types"

// EncodeAction canonically encodes one action.
func EncodeAction(w *Buffer, a types.Action) {
	w.PutString(a.Scope)
	w.PutString(a.Name)
	w.PutUint32(uint32(len(a.Authorization)))
	for _, auth := range a.Authorization {
		w.PutString(auth.Actor)
		w.PutString(auth.Permission)
	}
	w.PutBytes(a.Data)
}

// EncodeTransaction canonically encodes the parts of a transaction that are
// covered by its signatures: everything except the signatures themselves.
// This is the payload hashed as hash(chain_id || trx) in spec.md §4.G.
func EncodeTransaction(tx *types.SignedTransaction) []byte {
	w := NewBuffer()
	w.PutTime(tx.Expiration)
	w.PutUint32(tx.RefBlockNum)
	w.PutUint32(tx.RefBlockPrefix)
	w.PutUint32(uint32(len(tx.ReadScope)))
	for _, s := range tx.ReadScope {
		w.PutString(s)
	}
	w.PutUint32(uint32(len(tx.WriteScope)))
	for _, s := range tx.WriteScope {
		w.PutString(s)
	}
	w.PutUint32(uint32(len(tx.Actions)))
	for _, a := range tx.Actions {
		EncodeAction(w, a)
	}
	return w.Bytes()
}

// EncodeBlockHeader canonically encodes everything in a header except the
// signature, i.e. the payload the producer signs.
func EncodeBlockHeader(h *types.BlockHeader) []byte {
	w := NewBuffer()
	w.PutUint64(h.Height)
	w.PutString(h.PreviousID)
	w.PutTime(h.Timestamp)
	w.PutString(h.Producer)
	w.PutBytes(h.TransactionMRoot)
	w.PutBytes(h.ActionMRoot)
	w.PutBytes(h.BlockMRoot)
	if h.NewProducers != nil {
		w.PutBool(true)
		EncodeProducerSchedule(w, h.NewProducers)
	} else {
		w.PutBool(false)
	}
	return w.Bytes()
}

// EncodeProducerSchedule canonically encodes a producer schedule.
func EncodeProducerSchedule(w *Buffer, s *types.ProducerSchedule) {
	w.PutUint32(s.Version)
	w.PutUint32(uint32(len(s.Producers)))
	for _, p := range s.Producers {
		w.PutString(p.ProducerName)
		w.PutBytes(p.SigningKey)
	}
}

// EncodeActionTrace canonically encodes an action trace for the action
// merkle tree (spec.md invariant 3).
func EncodeActionTrace(t *types.ActionTrace) []byte {
	w := NewBuffer()
	w.PutString(t.Receiver)
	EncodeAction(w, t.Action)
	w.PutString(t.Console)
	w.PutUint32(t.RegionID)
	w.PutUint32(t.CycleIndex)
	w.PutUint32(t.ShardIndex)
	return w.Bytes()
}
