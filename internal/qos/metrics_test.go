package qos

import "testing"

func TestNoDataSentinel(t *testing.T) {
	m := NewMetrics(8000)
	if m.HasData() {
		t.Fatal("expected HasData() false before any packets")
	}
	if mos := m.MOS(); mos != 0.0 {
		t.Errorf("MOS() = %v, want 0.0 sentinel", mos)
	}
}

func TestNoLossGoodMOS(t *testing.T) {
	m := NewMetrics(8000)
	base := int64(1_000_000_000)
	for i := 0; i < 50; i++ {
		seq := uint16(1000 + i)
		ts := uint32(160 * i) // 20ms @ 8kHz
		m.RecordReceived(seq, ts, base+int64(i)*20_000_000)
	}
	if m.PacketsLost != 0 {
		t.Errorf("PacketsLost = %d, want 0", m.PacketsLost)
	}
	if pct := m.PacketLossPercentage(); pct != 0.0 {
		t.Errorf("PacketLossPercentage = %v, want 0.0", pct)
	}
	if mos := m.MOS(); mos < 4.0 {
		t.Errorf("MOS = %v, want >= 4.0 for a clean stream", mos)
	}
}

func TestSequenceGapCountsLoss(t *testing.T) {
	m := NewMetrics(8000)
	base := int64(1_000_000_000)
	m.RecordReceived(100, 0, base)
	m.RecordReceived(103, 480, base+60_000_000) // skipped 101, 102
	if m.PacketsLost != 2 {
		t.Errorf("PacketsLost = %d, want 2", m.PacketsLost)
	}
}

func TestOutOfOrderDoesNotCountAsLoss(t *testing.T) {
	m := NewMetrics(8000)
	base := int64(1_000_000_000)
	m.RecordReceived(100, 0, base)
	m.RecordReceived(99, 160, base+20_000_000) // out of order, behind
	if m.PacketsLost != 0 {
		t.Errorf("PacketsLost = %d, want 0 for an out-of-order packet", m.PacketsLost)
	}
	if m.OutOfOrder != 1 {
		t.Errorf("OutOfOrder = %d, want 1", m.OutOfOrder)
	}
}

func TestIndependentDirectionsDontConflateLoss(t *testing.T) {
	ab := NewMetrics(8000)
	ba := NewMetrics(8000)
	base := int64(1_000_000_000)
	for i := 0; i < 20; i++ {
		ab.RecordReceived(uint16(1000+i), uint32(160*i), base+int64(i)*20_000_000)
		ba.RecordReceived(uint16(5000+i), uint32(160*i), base+int64(i)*20_000_000)
	}
	if ab.PacketsLost != 0 || ba.PacketsLost != 0 {
		t.Fatalf("expected zero loss in both independent directions, got ab=%d ba=%d", ab.PacketsLost, ba.PacketsLost)
	}
}

func TestQualityRatingBuckets(t *testing.T) {
	cases := []struct {
		mos  float64
		want string
	}{
		{4.5, "Excellent"}, {4.3, "Excellent"}, {4.1, "Good"}, {3.7, "Fair"}, {3.2, "Poor"}, {1.0, "Bad"},
	}
	for _, c := range cases {
		if got := QualityRating(c.mos); got != c.want {
			t.Errorf("QualityRating(%v) = %q, want %q", c.mos, got, c.want)
		}
	}
}
