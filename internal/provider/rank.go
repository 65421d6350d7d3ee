package provider

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// nonChatMarkers identify catalog entries that cannot serve chat requests.
var nonChatMarkers = []string{"embedding", "whisper", "tts", "dall-e", "moderation", "audio", "realtime", "image", "transcribe", "search-preview", "aqa"}

// familyWeight ranks model families within a version: bigger first.
var familyWeight = map[string]int{
	"opus":   3,
	"pro":    3,
	"ultra":  3,
	"sonnet": 2,
	"flash":  1,
	"haiku":  1,
	"mini":   0,
	"nano":   0,
	"lite":   0,
}

// RankModels filters out non-chat entries and orders the rest newest family
// version first, then larger family first. Ties keep catalog order.
func RankModels(ids []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if id == "" || seen[id] || isNonChat(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := modelVersion(out[i]), modelVersion(out[j])
		if vi != vj {
			return vi > vj
		}
		return modelFamily(out[i]) > modelFamily(out[j])
	})
	return out
}

func isNonChat(id string) bool {
	lower := strings.ToLower(id)
	for _, m := range nonChatMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// modelVersion extracts the family version, e.g. claude-sonnet-4-5-2025 → 4.5,
// gemini-2.5-pro → 2.5, gpt-4o → 4. Date stamps (6+ digits) are ignored.
func modelVersion(id string) float64 {
	parts := strings.FieldsFunc(strings.ToLower(id), func(r rune) bool {
		return r == '-' || r == '_' || r == ':'
	})
	var nums []string
	for _, p := range parts {
		token := strings.TrimRightFunc(p, unicode.IsLetter)
		token = strings.TrimLeftFunc(token, unicode.IsLetter)
		if token == "" || len(token) >= 6 {
			if len(nums) > 0 {
				break
			}
			continue
		}
		if _, err := strconv.ParseFloat(token, 64); err != nil {
			continue
		}
		nums = append(nums, token)
		if strings.Contains(token, ".") || len(nums) == 2 {
			break
		}
	}
	if len(nums) == 0 {
		return 0
	}
	joined := nums[0]
	if len(nums) == 2 && !strings.Contains(nums[0], ".") {
		joined = nums[0] + "." + nums[1]
	}
	v, err := strconv.ParseFloat(joined, 64)
	if err != nil {
		return 0
	}
	return v
}

func modelFamily(id string) int {
	lower := strings.ToLower(id)
	best := 2
	found := false
	for name, w := range familyWeight {
		if strings.Contains(lower, name) {
			if !found || w < best {
				best = w
			}
			found = true
		}
	}
	return best
}

// DefaultTier classifies a model id by name: small variants are economy,
// flagship variants premium, everything else balanced.
func DefaultTier(model string) models.CostTier {
	lower := normalizeModelID(model)
	for _, m := range []string{"haiku", "mini", "nano", "lite", "flash-8b", "small"} {
		if strings.Contains(lower, m) {
			return models.TierEconomy
		}
	}
	for _, m := range []string{"opus", "-pro", "ultra", "large", "gpt-4.5"} {
		if strings.Contains(lower, m) {
			return models.TierPremium
		}
	}
	if strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") {
		return models.TierPremium
	}
	if strings.Contains(lower, "flash") {
		return models.TierEconomy
	}
	return models.TierBalanced
}
