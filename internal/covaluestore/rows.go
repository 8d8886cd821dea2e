package covaluestore

import (
	"fmt"

	"github.com/gezibash/arc-sync/pkg/codec"
	"github.com/gezibash/arc-sync/pkg/covalue"
)

func (s *SyncManager) encodeHeader(h *covalue.Header) ([]byte, error) {
	data, err := codec.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return packRow(data, s.compression)
}

func decodeHeader(row []byte) (*covalue.Header, error) {
	data, err := unpackRow(row)
	if err != nil {
		return nil, fmt.Errorf("header row: %w", err)
	}
	var h covalue.Header
	if err := codec.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return &h, nil
}

func (s *SyncManager) encodeTransaction(tx covalue.Transaction) ([]byte, error) {
	data, err := codec.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return packRow(data, s.compression)
}

func decodeTransaction(row []byte) (covalue.Transaction, error) {
	var tx covalue.Transaction
	data, err := unpackRow(row)
	if err != nil {
		return tx, fmt.Errorf("transaction row: %w", err)
	}
	if err := codec.Unmarshal(data, &tx); err != nil {
		return tx, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}
