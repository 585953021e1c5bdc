// Package quality implements the pure candidate-scoring function used by
// the dispatcher to pick a download candidate out of a set of search
// hits, grounded on the filter/scorer shape in code-lupe-v2's
// internal/quality filter (a pure Evaluate/score function taking
// configuration and returning an accept decision plus a reason).
package quality

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/downloader"
)

// Blocklist is the narrow read interface the scorer needs; the dispatcher
// satisfies it with an adapter over *storage.Store.
type Blocklist interface {
	IsBlocked(peer, filename string) bool
}

// Score evaluates a single hit against profile and blocklist, implementing
// spec §4.5 exactly. score is meaningless when accepted is false.
func Score(hit downloader.Hit, profile config.QualityProfile, blocklist Blocklist) (accepted bool, score int) {
	if blocklist != nil && blocklist.IsBlocked(hit.Peer, hit.Filename) {
		return false, 0
	}

	format := detectFormat(hit.Filename, hit.Format)
	formatIndex := indexOf(profile.PreferredFormats, format)
	if formatIndex == -1 {
		if profile.PreferLossless && !profile.AllowLossy {
			return false, 0
		}
		if isLossyFormat(format) && profile.PreferLossless && !profile.AllowLossy {
			return false, 0
		}
		if len(profile.PreferredFormats) > 0 {
			return false, 0
		}
	}

	if profile.MinBitrate > 0 && hit.BitrateKbps > 0 && hit.BitrateKbps < profile.MinBitrate {
		return false, 0
	}
	if profile.MaxBitrate > 0 && hit.BitrateKbps > 0 && hit.BitrateKbps > profile.MaxBitrate {
		return false, 0
	}
	sizeMB := float64(hit.SizeBytes) / (1024 * 1024)
	if profile.MinSizeMB > 0 && sizeMB < float64(profile.MinSizeMB) {
		return false, 0
	}
	if profile.MaxSizeMB > 0 && sizeMB > float64(profile.MaxSizeMB) {
		return false, 0
	}

	lowerName := strings.ToLower(hit.Filename)
	for _, kw := range profile.ExcludeKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerName, strings.ToLower(kw)) {
			return false, 0
		}
	}

	idx := formatIndex
	if idx == -1 {
		idx = 0
	}
	bitrate := clamp(hit.BitrateKbps, 0, 2000)
	return true, -1000*idx + bitrate
}

// Best runs Score over every hit and returns the accepted hit with the
// highest score, mirroring the dispatcher's "sort descending, pick
// first" rule from spec §4.5. ok is false when no hit is accepted.
func Best(hits []downloader.Hit, profile config.QualityProfile, blocklist Blocklist) (hit downloader.Hit, score int, ok bool) {
	bestScore := 0
	found := false
	var bestHit downloader.Hit
	for _, h := range hits {
		accepted, s := Score(h, profile, blocklist)
		if !accepted {
			continue
		}
		if !found || s > bestScore {
			bestHit, bestScore, found = h, s, true
		}
	}
	return bestHit, bestScore, found
}

var lossyFormats = map[string]bool{"mp3": true, "aac": true, "ogg": true, "opus": true, "m4a": true}

func isLossyFormat(format string) bool { return lossyFormats[format] }

func detectFormat(filename, reported string) string {
	if reported != "" {
		return strings.ToLower(reported)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	return ext
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if strings.EqualFold(item, v) {
			return i
		}
	}
	return -1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FormatDescription renders a QualityProfile for logging/debug purposes.
func FormatDescription(p config.QualityProfile) string {
	return "preferred=" + strings.Join(p.PreferredFormats, ",") +
		" bitrate=[" + strconv.Itoa(p.MinBitrate) + "," + strconv.Itoa(p.MaxBitrate) + "]"
}
