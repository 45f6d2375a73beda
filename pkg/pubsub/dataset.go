package pubsub

import (
	"reflect"
	"sync"

	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
)

// ValueSource samples one attribute value for a DataSetField, standing in
// for the information-model collaborator a real OPC-UA server would supply
// (§3's "binds a source NodeId + attribute id to a typed slot").
type ValueSource interface {
	Read(nodeID string, attributeID uint32) (codec.FieldValue, error)
}

// ValueSink writes a decoded field value into a ReaderGroup's target node,
// the receive-side mirror of ValueSource.
type ValueSink interface {
	Write(nodeID string, attributeID uint32, value codec.FieldValue) error
}

// DataSetField binds a source NodeId+attribute to one field slot (§3).
type DataSetField struct {
	Name        string
	SourceNodeID string
	AttributeID uint32
}

// PublishedDataSet is an ordered collection of DataSetField entries (§3).
// Removal is rejected while any DataSetWriter references it.
type PublishedDataSet struct {
	mu       sync.Mutex
	Name     string
	Fields   []DataSetField
	Source   ValueSource
	refCount int
}

// NewPublishedDataSet creates an unreferenced PDS.
func NewPublishedDataSet(name string, fields []DataSetField, source ValueSource) *PublishedDataSet {
	return &PublishedDataSet{Name: name, Fields: fields, Source: source}
}

func (p *PublishedDataSet) retain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount++
}

// Release decrements the PDS's reference count; callers check CanRemove
// before deleting it from the manager's registry.
func (p *PublishedDataSet) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refCount > 0 {
		p.refCount--
	}
}

// CanRemove reports whether no DataSetWriter currently references this PDS.
func (p *PublishedDataSet) CanRemove() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount == 0
}

// sample reads every field in declaration order, per §4.D publishing
// algorithm step 1.
func (p *PublishedDataSet) sample() ([]codec.FieldValue, error) {
	p.mu.Lock()
	fields := p.Fields
	source := p.Source
	p.mu.Unlock()

	values := make([]codec.FieldValue, len(fields))
	for i, f := range fields {
		v, err := source.Read(f.SourceNodeID, f.AttributeID)
		if err != nil {
			return nil, pserrors.ErrInternalError(err)
		}
		values[i] = v
	}
	return values, nil
}

// DataSetWriter owns the key-frame/delta-frame cadence for one
// PublishedDataSet within a WriterGroup (§3). It has no independent state
// machine; transitions track the parent WriterGroup.
type DataSetWriter struct {
	ID            uint16
	KeyFrameCount uint32
	ContentMask   codec.Encoding
	PDS           *PublishedDataSet

	tickCount  uint32
	lastValues []codec.FieldValue
}

// NewDataSetWriter binds writer to pds, retaining a reference on it.
func NewDataSetWriter(id uint16, keyFrameCount uint32, pds *PublishedDataSet) *DataSetWriter {
	pds.retain()
	return &DataSetWriter{ID: id, KeyFrameCount: keyFrameCount, PDS: pds}
}

// buildMessage samples the bound PDS and assembles a DataSetMessage,
// deciding KeyFrame vs DeltaFrame per the running counter in §4.D step 2.
func (w *DataSetWriter) buildMessage() (codec.DataSetMessage, error) {
	values, err := w.PDS.sample()
	if err != nil {
		return codec.DataSetMessage{}, err
	}

	w.tickCount++
	keyFrame := w.KeyFrameCount <= 1 || w.tickCount%w.KeyFrameCount == 0 || w.lastValues == nil

	msg := codec.DataSetMessage{HasSequenceNumber: true}
	if keyFrame {
		msg.Type = codec.DataSetMessageKeyFrame
		msg.KeyFrameFields = values
	} else {
		msg.Type = codec.DataSetMessageDeltaFrame
		for i, v := range values {
			if i >= len(w.lastValues) || !fieldEqual(v, w.lastValues[i]) {
				msg.DeltaFields = append(msg.DeltaFields, codec.DeltaField{FieldIndex: uint16(i), Value: v})
			}
		}
	}
	w.lastValues = values
	return msg, nil
}

// fieldEqual compares two sampled values for the delta-frame diff in
// buildMessage. reflect.DeepEqual (not ==) because Value can hold a
// non-comparable type such as a ByteString's []byte.
func fieldEqual(a, b codec.FieldValue) bool {
	return a.Status == b.Status && reflect.DeepEqual(a.Value, b.Value)
}
