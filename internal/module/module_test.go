package module

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWorker struct {
	runtime *goja.Runtime
	defers  []func()
}

func (w *testWorker) Id() int { return 0 }
func (w *testWorker) AddDefer(d func()) { w.defers = append(w.defers, d) }
func (w *testWorker) Runtime() *goja.Runtime { return w.runtime }

func TestXmlToObject(t *testing.T) {
	doc, err := ParseXml(`<note id="7"><to>Tove</to><from>Jani</from><cc>A</cc><cc>B</cc></note>`)
	require.NoError(t, err)

	n, err := doc.FindOne("//note")
	require.NoError(t, err)
	note := n.(*XmlNode)
	assert.Equal(t, "note", note.Name())
	assert.Equal(t, "7", note.Attribute("id"))

	obj := note.ToObject().(map[string]interface{})
	assert.Equal(t, "Tove", obj["to"])
	assert.Equal(t, "7", obj["@id"])
	assert.Equal(t, []interface{}{"A", "B"}, obj["cc"])

	missing, err := doc.FindOne("//nothing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := doc.Find("//cc")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLockIsReleasedByDefer(t *testing.T) {
	a := &testWorker{runtime: goja.New()}
	b := &testWorker{runtime: goja.New()}

	first := Factories["lock"](a).(func(string) *LockClient)("shared")
	second := Factories["lock"](b).(func(string) *LockClient)("shared")

	require.NoError(t, first.Lock(10))
	assert.Error(t, second.Lock(5))

	for _, d := range a.defers {
		d()
	}
	assert.NoError(t, second.Lock(10))
	second.Unlock()
}

func TestDecimalFromScript(t *testing.T) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.UncapFieldNameMapper())
	require.NoError(t, rt.Set("decimal", Factories["decimal"](&testWorker{runtime: rt})))

	v, err := rt.RunString(`decimal("0.1").add(decimal("0.2")).string()`)
	require.NoError(t, err)
	assert.Equal(t, "0.3", v.String())

	v, err = rt.RunString(`decimal(0.1).add(decimal(2)).string()`)
	require.NoError(t, err)
	assert.Equal(t, "2.1", v.String())

	_, err = rt.RunString(`decimal(null)`)
	assert.Error(t, err)
	_, err = rt.RunString(`decimal("1.2.3")`)
	assert.Error(t, err)
}
