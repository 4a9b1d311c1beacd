package pool

import "unicode/utf8"

// Tier is a capacity class of voice channel. The set is closed; adding a
// member means extending every switch below.
type Tier int

const (
	Unlimited Tier = iota
	Two
	Three
	Four
	Five
)

// MaxChannelsPerTier caps how many channels scale-up may create for one tier.
// Joins beyond it are accepted without a new spare.
const MaxChannelsPerTier = 6

// channelPrefix is prepended to the tier glyph to form a managed channel name.
const channelPrefix = "🔊voice "

// Tiers returns every tier in catalog order.
func Tiers() []Tier {
	return []Tier{Unlimited, Two, Three, Four, Five}
}

// Glyph is the trailing character that marks a channel as belonging to the tier.
func (t Tier) Glyph() rune {
	switch t {
	case Unlimited:
		return '∞'
	case Two:
		return '2'
	case Three:
		return '3'
	case Four:
		return '4'
	case Five:
		return '5'
	}
	panic("pool: unknown tier")
}

// Limit returns the member limit; ok is false for an unlimited tier.
func (t Tier) Limit() (limit int, ok bool) {
	switch t {
	case Unlimited:
		return 0, false
	case Two:
		return 2, true
	case Three:
		return 3, true
	case Four:
		return 4, true
	case Five:
		return 5, true
	}
	panic("pool: unknown tier")
}

// UserLimit is the limit in gateway form, 0 meaning unlimited.
func (t Tier) UserLimit() int {
	limit, _ := t.Limit()
	return limit
}

func (t Tier) String() string {
	switch t {
	case Unlimited:
		return "unlimited"
	case Two:
		return "two"
	case Three:
		return "three"
	case Four:
		return "four"
	case Five:
		return "five"
	}
	return "unknown"
}

// TierByGlyph maps a glyph back to its tier.
func TierByGlyph(r rune) (Tier, bool) {
	switch r {
	case '∞':
		return Unlimited, true
	case '2':
		return Two, true
	case '3':
		return Three, true
	case '4':
		return Four, true
	case '5':
		return Five, true
	}
	return 0, false
}

// TierOf classifies a channel name by its final rune. Names that do not end
// in a tier glyph belong to unmanaged channels.
func TierOf(name string) (Tier, bool) {
	r, size := utf8.DecodeLastRuneInString(name)
	if size == 0 || r == utf8.RuneError {
		return 0, false
	}
	return TierByGlyph(r)
}

// ChannelName returns the display name for a new channel of tier t.
func ChannelName(t Tier) string {
	return channelPrefix + string(t.Glyph())
}
