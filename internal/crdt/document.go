// Package crdt implements the convergent replicated document model: named
// text containers mutated by byte-offset insert/remove/replace operations,
// synchronized between replicas via state-vector diffs.
//
// There is no off-the-shelf Yjs-equivalent CRDT library in the Go ecosystem
// reachable from this module's dependency set, so the sequence CRDT here is
// a from-scratch implementation: a replicated growable array (RGA) of
// Unicode scalar values per named container, with tombstoned deletes and a
// flat, causally-ordered operation log used directly as the wire encoding.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// ItemID identifies one operation: the replica that produced it and that
// replica's local logical clock value at the time. The zero ItemID is
// reserved as the "start of sequence" sentinel; real client ids are never
// zero (see NewDocument).
type ItemID struct {
	Client uint64
	Clock  uint64
}

func (id ItemID) isRoot() bool { return id.Client == 0 && id.Clock == 0 }

// less defines the RGA tie-break order among sibling insertions sharing the
// same left origin: higher client id sorts first (ends up to the left),
// ties broken by clock. This is an arbitrary but total and deterministic
// order, which is all convergence requires.
func (id ItemID) less(other ItemID) bool {
	if id.Client != other.Client {
		return id.Client > other.Client
	}
	return id.Clock > other.Clock
}

// Origin is the attribution carried by a mutating operation: either an
// opaque producer label (e.g. "file-watcher") or a structured OriginTag.
type Origin struct {
	Label string
	Tag   *OriginTag
}

// OriginFromLabel builds an Origin carrying a plain producer label.
func OriginFromLabel(label string) Origin { return Origin{Label: label} }

// OriginFromTag builds an Origin carrying a structured attribution tag.
func OriginFromTag(tag OriginTag) Origin { return Origin{Tag: &tag} }

type opKind uint8

const (
	opInsert opKind = 0
	opDelete opKind = 1
)

type op struct {
	kind      opKind
	id        ItemID
	container string
	leftID    ItemID // insert only
	value     rune   // insert only
	origin    Origin // insert only
	targetID  ItemID // delete only
}

type element struct {
	id      ItemID
	leftID  ItemID
	value   rune
	deleted bool
	origin  Origin
}

// Document is one replica's CRDT state for a set of named text containers.
type Document struct {
	mu          sync.Mutex
	clientID    uint64
	clock       uint64
	oplog       []op
	containers  map[string][]*element
	itemIndex   map[ItemID]*element
	stateVector map[uint64]uint64
}

// NewDocument constructs an empty document with a randomly generated,
// non-zero client id.
func NewDocument() *Document {
	return NewDocumentWithClientID(randomClientID())
}

// NewDocumentFromState constructs a new document, with a freshly generated
// client id, by applying a previously encoded full state (as produced by
// EncodeState). Used to restore a document from a snapshot.
func NewDocumentFromState(data []byte) (*Document, error) {
	doc := NewDocument()
	if err := doc.ApplyUpdate(data); err != nil {
		return nil, err
	}
	return doc, nil
}

// NewDocumentWithClientID constructs an empty document with an explicit
// client id, for deterministic construction in convergence tests.
func NewDocumentWithClientID(clientID uint64) *Document {
	if clientID == 0 {
		clientID = randomClientID()
	}
	return &Document{
		clientID:    clientID,
		containers:  make(map[string][]*element),
		itemIndex:   make(map[ItemID]*element),
		stateVector: make(map[uint64]uint64),
	}
}

func randomClientID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano()) | 1
	}
	v := binary.LittleEndian.Uint64(buf[:])
	if v == 0 {
		v = 1
	}
	return v
}

// ClientID returns this replica's client identifier.
func (d *Document) ClientID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clientID
}

// GetText returns the current visible content of the named container. An
// unknown container is treated as empty.
func (d *Document) GetText(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked(name)
}

func (d *Document) textLocked(name string) string {
	items := d.containers[name]
	var b []rune
	for _, it := range items {
		if !it.deleted {
			b = append(b, it.value)
		}
	}
	return string(b)
}

// TextLen returns the number of visible Unicode scalar values in the named
// container (not bytes).
func (d *Document) TextLen(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.containers[name] {
		if !it.deleted {
			n++
		}
	}
	return n
}

// InsertText inserts content at the given UTF-8 byte offset into the named
// container's current text, as a single origin-tagged transaction.
func (d *Document) InsertText(name string, byteIndex int, content string, origin Origin) error {
	if content == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insertLocked(name, byteIndex, content, origin)
}

func (d *Document) insertLocked(name string, byteIndex int, content string, origin Origin) error {
	anchor, anchorIdx, err := d.findBoundaryLocked(name, byteIndex)
	if err != nil {
		return err
	}
	left := anchor
	insertAt := anchorIdx
	for _, r := range content {
		d.clock++
		id := ItemID{Client: d.clientID, Clock: d.clock}
		el := &element{id: id, leftID: left, value: r, origin: origin}
		insertAt = d.placeLocked(name, el, insertAt)
		d.itemIndex[id] = el
		d.bumpStateVectorLocked(id)
		d.oplog = append(d.oplog, op{kind: opInsert, id: id, container: name, leftID: left, value: r, origin: origin})
		left = id
	}
	return nil
}

// placeLocked inserts el into container name's item slice honoring the RGA
// ordering rule, starting the forward scan from startIdx (the position
// immediately after el.leftID, or 0 if el.leftID is the root sentinel).
// Returns the index el was placed at.
func (d *Document) placeLocked(name string, el *element, startIdx int) int {
	items := d.containers[name]
	// Walk forward while siblings share the same left origin and sort
	// before el under the tie-break order.
	i := startIdx
	for i < len(items) {
		cand := items[i]
		if cand.leftID != el.leftID {
			break
		}
		if !cand.id.less(el.id) {
			break
		}
		i++
	}
	items = append(items, nil)
	copy(items[i+1:], items[i:])
	items[i] = el
	d.containers[name] = items
	return i + 1
}

// findBoundaryLocked returns the ItemID to use as a left origin for an
// operation at byteIndex, and the array index immediately after it. It
// requires byteIndex to land exactly on a Unicode scalar boundary.
func (d *Document) findBoundaryLocked(name string, byteIndex int) (ItemID, int, error) {
	if byteIndex < 0 {
		return ItemID{}, 0, coreerr.Wrap(coreerr.Validation, fmt.Errorf("negative byte index %d", byteIndex), "locate text boundary")
	}
	items := d.containers[name]
	offset := 0
	anchor := ItemID{}
	for idx, it := range items {
		if offset == byteIndex {
			return anchor, idx, nil
		}
		if it.deleted {
			continue
		}
		rl := runeLen(it.value)
		if offset < byteIndex && byteIndex < offset+rl {
			return ItemID{}, 0, coreerr.Wrap(coreerr.Validation, fmt.Errorf("byte index %d splits a Unicode scalar", byteIndex), "locate text boundary")
		}
		offset += rl
		anchor = it.id
	}
	if offset == byteIndex {
		return anchor, len(items), nil
	}
	return ItemID{}, 0, coreerr.Wrap(coreerr.Validation, fmt.Errorf("byte index %d out of range (text is %d bytes)", byteIndex, offset), "locate text boundary")
}

func runeLen(r rune) int {
	switch {
	case r < 0x80:
		return 1
	case r < 0x800:
		return 2
	case r < 0x10000:
		return 3
	default:
		return 4
	}
}

// RemoveText deletes byteLen bytes starting at byteIndex from the named
// container, as a single origin-tagged transaction. Both bounds must align
// to Unicode scalar boundaries.
func (d *Document) RemoveText(name string, byteIndex int, byteLen int, origin Origin) error {
	if byteLen == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(name, byteIndex, byteLen, origin)
}

func (d *Document) removeLocked(name string, byteIndex int, byteLen int, origin Origin) error {
	_, startIdx, err := d.findBoundaryLocked(name, byteIndex)
	if err != nil {
		return err
	}
	items := d.containers[name]
	removed := 0
	i := startIdx
	var toDelete []*element
	for removed < byteLen {
		if i >= len(items) {
			return coreerr.Wrap(coreerr.Validation, fmt.Errorf("byte range [%d,%d) out of range", byteIndex, byteIndex+byteLen), "remove text")
		}
		it := items[i]
		i++
		if it.deleted {
			continue
		}
		toDelete = append(toDelete, it)
		removed += runeLen(it.value)
	}
	if removed != byteLen {
		return coreerr.Wrap(coreerr.Validation, fmt.Errorf("byte range [%d,%d) splits a Unicode scalar", byteIndex, byteIndex+byteLen), "remove text")
	}
	for _, it := range toDelete {
		it.deleted = true
		d.clock++
		delID := ItemID{Client: d.clientID, Clock: d.clock}
		d.bumpStateVectorLocked(delID)
		d.oplog = append(d.oplog, op{kind: opDelete, id: delID, container: name, targetID: it.id, origin: origin})
	}
	return nil
}

// ReplaceText atomically removes byteLen bytes at byteIndex and inserts
// content in their place, as a single origin-tagged transaction.
func (d *Document) ReplaceText(name string, byteIndex int, byteLen int, content string, origin Origin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if byteLen > 0 {
		if err := d.removeLocked(name, byteIndex, byteLen, origin); err != nil {
			return err
		}
	}
	if content != "" {
		if err := d.insertLocked(name, byteIndex, content, origin); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) bumpStateVectorLocked(id ItemID) {
	if id.Clock > d.stateVector[id.Client] {
		d.stateVector[id.Client] = id.Clock
	}
}

// EncodeState returns the full document state as a self-contained update:
// every operation ever applied, in causal order.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.oplog)
}

// EncodeStateVector returns the opaque logical frontier of this replica:
// for each client id, the highest operation clock incorporated from it.
func (d *Document) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.stateVector)
}

// EncodeDiff returns the operations this replica knows about beyond the
// given remote state vector.
func (d *Document) EncodeDiff(remoteStateVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(remoteStateVector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var missing []op
	for _, o := range d.oplog {
		if o.id.Clock > remote[o.id.Client] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing), nil
}

// ApplyUpdate merges a peer's or disk's delta into this replica. Operations
// already known (by id) are skipped; unknown operations are applied in the
// order given, which the sender guarantees is causally consistent.
func (d *Document) ApplyUpdate(data []byte) error {
	ops, err := decodeOps(data)
	if err != nil {
		return coreerr.Wrap(coreerr.Validation, err, "apply update")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range ops {
		if o.id.Clock <= d.stateVector[o.id.Client] {
			continue // already known
		}
		switch o.kind {
		case opInsert:
			if _, exists := d.itemIndex[o.id]; exists {
				continue
			}
			el := &element{id: o.id, leftID: o.leftID, value: o.value, origin: o.origin}
			startIdx := 0
			if !o.leftID.isRoot() {
				if anchorEl, ok := d.itemIndex[o.leftID]; ok {
					startIdx = d.indexOfLocked(o.container, anchorEl) + 1
				}
			}
			d.placeLocked(o.container, el, startIdx)
			d.itemIndex[o.id] = el
		case opDelete:
			if target, ok := d.itemIndex[o.targetID]; ok {
				target.deleted = true
			}
		}
		d.bumpStateVectorLocked(o.id)
		d.oplog = append(d.oplog, o)
	}
	return nil
}

func (d *Document) indexOfLocked(container string, target *element) int {
	for i, it := range d.containers[container] {
		if it == target {
			return i
		}
	}
	return -1
}

// --- wire encoding ---
//
// Update blob: uint32 op count, followed by each op:
//
//	1 byte kind
//	8+8 bytes id (client, clock), little-endian
//	1 byte container name length, then the name bytes
//	insert: 8+8 bytes left id, 1 byte rune utf8 length + rune bytes, 1 byte
//	        origin kind (0 label / 1 tag) + origin payload
//	delete: 8+8 bytes target id

func encodeOps(ops []op) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(ops)))
	for _, o := range ops {
		buf = append(buf, byte(o.kind))
		buf = appendID(buf, o.id)
		buf = append(buf, byte(len(o.container)))
		buf = append(buf, o.container...)
		switch o.kind {
		case opInsert:
			buf = appendID(buf, o.leftID)
			var rb [4]byte
			n := copy(rb[:], []byte(string(o.value)))
			buf = append(buf, byte(n))
			buf = append(buf, rb[:n]...)
			buf = appendOrigin(buf, o.origin)
		case opDelete:
			buf = appendID(buf, o.targetID)
		}
	}
	return buf
}

func appendID(buf []byte, id ItemID) []byte {
	var tmp [16]byte
	binary.LittleEndian.PutUint64(tmp[0:8], id.Client)
	binary.LittleEndian.PutUint64(tmp[8:16], id.Clock)
	return append(buf, tmp[:]...)
}

func appendOrigin(buf []byte, o Origin) []byte {
	if o.Tag != nil {
		encoded, err := EncodeOriginTag(*o.Tag)
		if err != nil {
			// OriginFromTag does not validate, so a tag with an oversized
			// author id fails to encode here; fall back to an empty label
			// rather than produce an unreadable update.
			buf = append(buf, 0)
			buf = appendUint16Str(buf, "")
			return buf
		}
		buf = append(buf, 1)
		buf = append(buf, byte(len(encoded)))
		buf = append(buf, encoded...)
		return buf
	}
	buf = append(buf, 0)
	buf = appendUint16Str(buf, o.Label)
	return buf
}

func appendUint16Str(buf []byte, s string) []byte {
	var lb [2]byte
	binary.LittleEndian.PutUint16(lb[:], uint16(len(s)))
	buf = append(buf, lb[:]...)
	return append(buf, s...)
}

func decodeOps(data []byte) ([]op, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("update payload too short")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	pos := 4
	ops := make([]op, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+1 > len(data) {
			return nil, fmt.Errorf("truncated op header")
		}
		kind := opKind(data[pos])
		pos++
		id, np, err := readID(data, pos)
		if err != nil {
			return nil, err
		}
		pos = np
		if pos+1 > len(data) {
			return nil, fmt.Errorf("truncated container name length")
		}
		nameLen := int(data[pos])
		pos++
		if pos+nameLen > len(data) {
			return nil, fmt.Errorf("truncated container name")
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen

		o := op{kind: kind, id: id, container: name}
		switch kind {
		case opInsert:
			left, np, err := readID(data, pos)
			if err != nil {
				return nil, err
			}
			pos = np
			if pos+1 > len(data) {
				return nil, fmt.Errorf("truncated rune length")
			}
			rl := int(data[pos])
			pos++
			if pos+rl > len(data) || rl == 0 || rl > 4 {
				return nil, fmt.Errorf("invalid rune payload")
			}
			r := []rune(string(data[pos : pos+rl]))
			if len(r) != 1 {
				return nil, fmt.Errorf("invalid rune payload")
			}
			pos += rl
			origin, np2, err := readOrigin(data, pos)
			if err != nil {
				return nil, err
			}
			pos = np2
			o.leftID = left
			o.value = r[0]
			o.origin = origin
		case opDelete:
			target, np, err := readID(data, pos)
			if err != nil {
				return nil, err
			}
			pos = np
			o.targetID = target
		default:
			return nil, fmt.Errorf("unknown op kind %d", kind)
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func readID(data []byte, pos int) (ItemID, int, error) {
	if pos+16 > len(data) {
		return ItemID{}, 0, fmt.Errorf("truncated id")
	}
	return ItemID{
		Client: binary.LittleEndian.Uint64(data[pos : pos+8]),
		Clock:  binary.LittleEndian.Uint64(data[pos+8 : pos+16]),
	}, pos + 16, nil
}

func readOrigin(data []byte, pos int) (Origin, int, error) {
	if pos+1 > len(data) {
		return Origin{}, 0, fmt.Errorf("truncated origin kind")
	}
	kind := data[pos]
	pos++
	if kind == 1 {
		if pos+1 > len(data) {
			return Origin{}, 0, fmt.Errorf("truncated origin tag length")
		}
		n := int(data[pos])
		pos++
		if pos+n > len(data) {
			return Origin{}, 0, fmt.Errorf("truncated origin tag")
		}
		tag, err := DecodeOriginTag(data[pos : pos+n])
		if err != nil {
			return Origin{}, 0, err
		}
		pos += n
		return OriginFromTag(tag), pos, nil
	}
	if pos+2 > len(data) {
		return Origin{}, 0, fmt.Errorf("truncated origin label length")
	}
	n := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if pos+n > len(data) {
		return Origin{}, 0, fmt.Errorf("truncated origin label")
	}
	label := string(data[pos : pos+n])
	pos += n
	return OriginFromLabel(label), pos, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(clients)))
	for _, c := range clients {
		var tmp [16]byte
		binary.LittleEndian.PutUint64(tmp[0:8], c)
		binary.LittleEndian.PutUint64(tmp[8:16], sv[c])
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeStateVector(data []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(data) == 0 {
		return sv, nil
	}
	if len(data) < 4 {
		return nil, coreerr.Wrap(coreerr.Validation, fmt.Errorf("state vector payload too short"), "decode state vector")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+16 > len(data) {
			return nil, coreerr.Wrap(coreerr.Validation, fmt.Errorf("truncated state vector entry"), "decode state vector")
		}
		client := binary.LittleEndian.Uint64(data[pos : pos+8])
		clock := binary.LittleEndian.Uint64(data[pos+8 : pos+16])
		sv[client] = clock
		pos += 16
	}
	return sv, nil
}
