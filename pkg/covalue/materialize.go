package covalue

// Content materializes the current last-writer-wins view of the log.
func (c *Core) Content() *MapContent {
	return c.contentAsOf(latest)
}

// ContentAsOf materializes the log counting only transactions made at
// or before t (unix milliseconds).
func (c *Core) ContentAsOf(t int64) *MapContent {
	return c.contentAsOf(t)
}

func (c *Core) contentAsOf(t int64) *MapContent {
	r := newResolver(c.node)
	if c.Header().Ruleset.Kind == RulesetKindGroup {
		gs := r.group(c.ID())
		if gs == nil {
			return newMapContent(c.ID())
		}
		if t == latest {
			return gs.content
		}
		return gs.content.asOf(t)
	}

	log := c.node.reg.log.WithCoValue(string(c.ID()))
	content := newMapContent(c.ID())
	// Candidates arrive in (madeAt, session, index) order, so applying
	// in sequence keeps each key's history sorted.
	for _, cand := range r.validTransactions(c) {
		if cand.tx.MadeAt > t {
			continue
		}
		changes, err := r.decodeChanges(c, cand)
		if err != nil {
			log.Debug("skipping unreadable transaction", "tx", cand.id.String(), "error", err)
			continue
		}
		for i, ch := range changes {
			if ch.Op != OpInsert {
				continue
			}
			content.apply(ch.Key, MapOp{
				TxID:      cand.id,
				ChangeIdx: i,
				MadeAt:    cand.tx.MadeAt,
				Author:    cand.author,
				Value:     ch.Value,
			})
		}
	}
	return content
}

func (m *MapContent) asOf(t int64) *MapContent {
	out := newMapContent(m.id)
	for key, hist := range m.ops {
		for _, op := range hist {
			if op.MadeAt <= t {
				out.ops[key] = append(out.ops[key], op)
			}
		}
	}
	return out
}

// decodeChanges returns the plaintext changes of a valid transaction,
// decrypting private ones with the owning group's key.
func (r *resolver) decodeChanges(c *Core, cand candidate) ([]Change, error) {
	if cand.tx.Privacy == PrivacyTrusting {
		return cand.tx.TrustingChanges()
	}
	secret, err := r.keyForCoValue(c, cand.tx.KeyUsed)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.node.reg.crypto.Decrypt(cand.tx.EncryptedChanges, secret, txNonce{In: c.ID(), Tx: cand.id})
	if err != nil {
		return nil, err
	}
	return decodeChanges(plaintext)
}
