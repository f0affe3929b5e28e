package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"trainsync/internal/model"
)

// fieldSep never appears in calendar text, so joined fields cannot collide.
const fieldSep = "\x1f"

// InstanceID returns the deterministic id of the training occurring at
// start for (teamID, uid). Content drift never changes it.
func InstanceID(teamID, uid string, start time.Time) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		teamID,
		uid,
		start.UTC().Format(time.RFC3339),
	}, fieldSep)))
	return hex.EncodeToString(sum[:16])
}

// ContentHash fingerprints the fields a feed can change. It decides
// between update and touch and is never used as identity.
func ContentHash(inst model.EventInstance) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		inst.Title,
		inst.Description,
		inst.Location,
		inst.Start.UTC().Format(time.RFC3339),
		inst.End.UTC().Format(time.RFC3339),
		inst.Status,
		strconv.FormatBool(inst.AllDay),
		strconv.FormatBool(inst.Cancelled),
	}, fieldSep)))
	return hex.EncodeToString(sum[:])
}
