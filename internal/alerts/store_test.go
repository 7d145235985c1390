package alerts

import (
	"fmt"
	"testing"
	"time"

	"raidguard/internal/model"
)

func incident(i int, guild string, at time.Time) model.Incident {
	return model.Incident{IncidentID: fmt.Sprintf("RAID_%s_%d", guild, i), GuildID: guild, CreatedAt: at}
}

func TestStoreRingDropsOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(incident(i, "g1", base.Add(time.Duration(i)*time.Second)))
	}
	got := s.List("", 0)
	if len(got) != 3 || got[0].IncidentID != "RAID_g1_2" || got[2].IncidentID != "RAID_g1_4" {
		t.Fatalf("unexpected ring contents: %+v", got)
	}
}

func TestStoreListFiltersAndLimits(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		guild := "g1"
		if i%2 == 1 {
			guild = "g2"
		}
		s.Add(incident(i, guild, base.Add(time.Duration(i)*time.Second)))
	}
	got := s.List("g2", 2)
	if len(got) != 2 || got[0].IncidentID != "RAID_g2_3" || got[1].IncidentID != "RAID_g2_5" {
		t.Fatalf("unexpected list: %+v", got)
	}
	if since := s.Since(base.Add(4 * time.Second)); len(since) != 2 {
		t.Fatalf("since: %d", len(since))
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("clear left %d incidents", s.Len())
	}
}
