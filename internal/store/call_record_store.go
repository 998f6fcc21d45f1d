package store

import (
	"context"
	"fmt"
)

type callRecordStore struct {
	db *DB
}

// NewCallRecordStore returns the sqlite-backed CallRecordStore.
func NewCallRecordStore(db *DB) CallRecordStore {
	return &callRecordStore{db: db}
}

func (s *callRecordStore) Create(ctx context.Context, rec *CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, from_ext, to_ext, start, end, duration, status, recording_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.FromExtension, rec.ToExtension, rec.Start, rec.End, rec.DurationSecs, rec.Status, rec.RecordingPath,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

func (s *callRecordStore) Update(ctx context.Context, rec *CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_records SET end = ?, duration = ?, status = ?, recording_path = ? WHERE call_id = ?`,
		rec.End, rec.DurationSecs, rec.Status, rec.RecordingPath, rec.CallID,
	)
	if err != nil {
		return fmt.Errorf("updating call record: %w", err)
	}
	return nil
}

type qosStore struct {
	db *DB
}

// NewQoSStore returns the sqlite-backed QoSStore.
func NewQoSStore(db *DB) QoSStore {
	return &qosStore{db: db}
}

func (s *qosStore) Create(ctx context.Context, rec *QoSRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO qos_metrics (call_id, direction, packets_sent, packets_received, packets_lost,
		 packet_loss_percentage, avg_jitter_ms, max_jitter_ms, avg_latency_ms, max_latency_ms,
		 mos, quality_rating, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		rec.CallID, rec.Direction, rec.PacketsSent, rec.PacketsReceived, rec.PacketsLost,
		rec.PacketLossPercentage, rec.AvgJitterMS, rec.MaxJitterMS, rec.AvgLatencyMS, rec.MaxLatencyMS,
		rec.MOS, rec.QualityRating,
	)
	if err != nil {
		return fmt.Errorf("inserting qos record: %w", err)
	}
	return nil
}
