// ABOUTME: Partitions visitor records into five disjoint buckets per pass.
// ABOUTME: Pure derivation — no state carried between recomputations.

package visitor

// Bucket names a classification outcome.
type Bucket string

const (
	BucketLeft     Bucket = "left"
	BucketServed   Bucket = "served"
	BucketIncoming Bucket = "incoming"
	BucketIdle     Bucket = "idle"
	BucketActive   Bucket = "active"
)

// Buckets holds one classification pass over a visitor collection. The five
// slices are pairwise disjoint; every input visitor appears in exactly one.
type Buckets struct {
	Served   []Visitor
	Left     []Visitor
	Incoming []Visitor
	Idle     []Visitor
	Active   []Visitor
}

// Total returns the number of classified visitors.
func (b Buckets) Total() int {
	return len(b.Served) + len(b.Left) + len(b.Incoming) + len(b.Idle) + len(b.Active)
}

// Classify recomputes the five buckets from scratch. It never patches a
// previous result; callers feed it the full current collection every time.
func Classify(visitors []Visitor) Buckets {
	var b Buckets
	for _, v := range visitors {
		switch Classification(v) {
		case BucketLeft:
			b.Left = append(b.Left, v)
		case BucketServed:
			b.Served = append(b.Served, v)
		case BucketIncoming:
			b.Incoming = append(b.Incoming, v)
		case BucketIdle:
			b.Idle = append(b.Idle, v)
		default:
			b.Active = append(b.Active, v)
		}
	}
	return b
}

// Classification assigns a single visitor to its primary bucket.
//
// Precedence is left > served > incoming > idle > active. The served
// predicate deliberately excludes only status "away", so a visitor with
// status "left" plus an assigned agent satisfies both the left and served
// conditions; precedence resolves it to left. That overlap is inherited
// behavior, kept as-is (see DESIGN.md).
func Classification(v Visitor) Bucket {
	if v.Status == StatusAway || v.Status == StatusLeft {
		return BucketLeft
	}
	if len(v.Agents) > 0 {
		return BucketServed
	}

	// Unassigned from here down. A user message strictly after the last
	// agent-left marker (or with no marker at all) means the visitor is
	// waiting on a human.
	userIdx := v.latestUserMsgIdx()
	leftIdx := v.latestAgentLeftIdx()
	if userIdx >= 0 && userIdx > leftIdx {
		return BucketIncoming
	}

	if v.Status == StatusIdle {
		return BucketIdle
	}
	return BucketActive
}
