package fuzzer

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

func mustTemplate(t *testing.T, method schemas.Method, rawURL, body string) *RequestTemplate {
	t.Helper()
	tmpl, err := ParseTemplate(method, rawURL, body, nil)
	require.NoError(t, err)
	return tmpl
}

// diffParams returns the names of parameters whose value differs.
func diffParams(a, b []Param) []string {
	var changed []string
	for i := range a {
		if a[i] != b[i] {
			changed = append(changed, a[i].Name)
		}
	}
	return changed
}

func TestParseTemplate(t *testing.T) {
	t.Run("query params keep order", func(t *testing.T) {
		tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/search?q=shoes&page=2&sort=", "")
		assert.Equal(t, "http://example.test/search", tmpl.BaseURL())
		assert.Equal(t, LocationQuery, tmpl.Location())
		assert.Equal(t, []string{"q", "page", "sort"}, tmpl.InjectionPoints())
		assert.Equal(t, "http://example.test/search?q=shoes&page=2&sort=", tmpl.URL())
		assert.Empty(t, tmpl.Body())
	})

	t.Run("post body params", func(t *testing.T) {
		tmpl := mustTemplate(t, schemas.MethodPost, "http://example.test/login?next=%2F", "user=bob&pass=a%26b")
		assert.Equal(t, LocationBody, tmpl.Location())
		assert.Equal(t, "http://example.test/login?next=%2F", tmpl.URL())
		p, ok := tmpl.Param("pass")
		require.True(t, ok)
		assert.Equal(t, "a&b", p.Value)
		assert.Equal(t, "user=bob&pass=a%26b", tmpl.Body())
	})

	t.Run("rejects body on GET", func(t *testing.T) {
		_, err := ParseTemplate(schemas.MethodGet, "http://example.test/", "a=1", nil)
		assert.ErrorIs(t, err, ErrInvalidTemplate)
	})

	t.Run("rejects relative URL", func(t *testing.T) {
		_, err := ParseTemplate(schemas.MethodGet, "/relative?a=1", "", nil)
		assert.ErrorIs(t, err, ErrInvalidTemplate)
	})

	t.Run("repeated names get numbered points", func(t *testing.T) {
		tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/p?id=1&id=2&q=x", "")
		assert.Equal(t, []string{"id#1", "id#2", "q"}, tmpl.InjectionPoints())

		p, ok := tmpl.Param("id")
		require.True(t, ok)
		assert.Equal(t, "1", p.Value, "bare name resolves to the first occurrence")
		p, ok = tmpl.Param("id#2")
		require.True(t, ok)
		assert.Equal(t, "2", p.Value)

		derived, err := tmpl.WithValue("id#2", "9")
		require.NoError(t, err)
		assert.Equal(t, "http://example.test/p?id=1&id=9&q=x", derived.URL())
		assert.Equal(t, "http://example.test/p?id=1&id=2&q=x", tmpl.URL())
	})

	t.Run("rejects ambiguous point ids", func(t *testing.T) {
		params := []Param{{Name: "a"}, {Name: "a"}, {Name: "a#2"}}
		_, err := NewRequestTemplate(schemas.MethodGet, "http://example.test/", params, nil)
		assert.ErrorIs(t, err, ErrInvalidTemplate)
	})
}

func TestTemplateImmutability(t *testing.T) {
	headers := http.Header{"X-Test": {"1"}}
	params := []Param{{Name: "a", Value: "1", Injectable: true}}
	tmpl, err := NewRequestTemplate(schemas.MethodGet, "http://example.test/", params, headers)
	require.NoError(t, err)

	params[0].Value = "changed"
	headers.Set("X-Test", "changed")
	got := tmpl.Params()
	got[0].Value = "also changed"

	p, _ := tmpl.Param("a")
	assert.Equal(t, "1", p.Value)
	assert.Equal(t, "1", tmpl.Headers().Get("X-Test"))

	derived, err := tmpl.WithValue("a", "2")
	require.NoError(t, err)
	p, _ = tmpl.Param("a")
	assert.Equal(t, "1", p.Value)
	p, _ = derived.Param("a")
	assert.Equal(t, "2", p.Value)
}

func TestGenerate_CountAndOrdering(t *testing.T) {
	tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/p?a=1&b=2&c=3", "")
	payloads := []string{"x'", "<!--", `d'z"0`}
	orig := &schemas.Response{ID: 7, Body: "hello"}

	mutants, err := Generate(tmpl, nil, payloads, orig)
	require.NoError(t, err)
	require.Len(t, mutants, 3*3)

	var order []string
	for _, m := range mutants {
		order = append(order, m.Var()+"|"+m.Payload())
		assert.Same(t, orig, m.OriginalResponse())
		assert.Same(t, tmpl, m.Origin())
		// Exactly one parameter differs from the template.
		assert.Equal(t, []string{m.Var()}, diffParams(tmpl.Params(), m.Request().Params()))
		assert.Equal(t, tmpl.Method(), m.Request().Method())
		assert.Equal(t, tmpl.BaseURL(), m.Request().BaseURL())
	}
	want := []string{
		"a|x'", "a|<!--", `a|d'z"0`,
		"b|x'", "b|<!--", `b|d'z"0`,
		"c|x'", "c|<!--", `c|d'z"0`,
	}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("mutant order mismatch (-want +got):\n%s", diff)
	}

	again, err := Generate(tmpl, nil, payloads, orig)
	require.NoError(t, err)
	for i := range mutants {
		assert.Equal(t, mutants[i].ID(), again[i].ID(), "ids must be reproducible")
	}
}

func TestGenerate_SkipsCurrentValue(t *testing.T) {
	tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/p?a=1&b=2", "")

	mutants, err := Generate(tmpl, nil, []string{"2", "x"}, nil)
	require.NoError(t, err)

	var got []string
	for _, m := range mutants {
		got = append(got, m.Var()+"|"+m.Payload())
		assert.NotEqual(t, tmpl.URL(), m.Request().URL(), "mutant %s repeats the template", m.ID())
	}
	assert.Equal(t, []string{"a|2", "a|x", "b|x"}, got)
}

func TestGenerate_RepeatedNames(t *testing.T) {
	tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/p?id=1&id=2", "")

	mutants, err := Generate(tmpl, nil, []string{"x"}, nil)
	require.NoError(t, err)
	require.Len(t, mutants, 2)
	assert.Equal(t, "id#1", mutants[0].Var())
	assert.Equal(t, "http://example.test/p?id=x&id=2", mutants[0].Request().URL())
	assert.Equal(t, "id#2", mutants[1].Var())
	assert.Equal(t, "http://example.test/p?id=1&id=x", mutants[1].Request().URL())

	mutants, err = Generate(tmpl, []string{"id#2"}, []string{"y"}, nil)
	require.NoError(t, err)
	require.Len(t, mutants, 1)
	assert.Equal(t, "http://example.test/p?id=1&id=y", mutants[0].Request().URL())
}

func TestCarriers(t *testing.T) {
	t.Run("one per point with the template unchanged", func(t *testing.T) {
		tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/p?a=1&b=", "")
		orig := &schemas.Response{ID: 3}

		carriers, err := Carriers(tmpl, orig)
		require.NoError(t, err)
		require.Len(t, carriers, 2)
		assert.Equal(t, "a", carriers[0].Var())
		assert.Equal(t, "1", carriers[0].Payload())
		assert.Equal(t, "b", carriers[1].Var())
		assert.Empty(t, carriers[1].Payload())
		for _, c := range carriers {
			assert.False(t, c.IsFake())
			assert.Same(t, tmpl, c.Request())
			assert.Same(t, orig, c.OriginalResponse())
		}

		delayed, err := carriers[1].WithPayload("sleep(3)")
		require.NoError(t, err)
		assert.Equal(t, "http://example.test/p?a=1&b=sleep%283%29", delayed.Request().URL())
	})

	t.Run("fake without points", func(t *testing.T) {
		tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/static", "")
		carriers, err := Carriers(tmpl, nil)
		require.NoError(t, err)
		require.Len(t, carriers, 1)
		assert.True(t, carriers[0].IsFake())
	})

	t.Run("nil template", func(t *testing.T) {
		_, err := Carriers(nil, nil)
		assert.ErrorIs(t, err, ErrInvalidTemplate)
	})
}

func TestGenerate_SelectedPoints(t *testing.T) {
	tmpl := mustTemplate(t, schemas.MethodPost, "http://example.test/form", "a=1&b=2")

	mutants, err := Generate(tmpl, []string{"b"}, []string{"p1", "p2"}, nil)
	require.NoError(t, err)
	require.Len(t, mutants, 2)
	assert.Equal(t, "a=1&b=p1", mutants[0].Request().Body())
	assert.Equal(t, "a=1&b=p2", mutants[1].Request().Body())

	_, err = Generate(tmpl, []string{"missing"}, []string{"p"}, nil)
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestGenerate_NonInjectablePoint(t *testing.T) {
	tmpl, err := NewRequestTemplate(schemas.MethodGet, "http://example.test/", []Param{
		{Name: "csrf", Value: "tok"},
		{Name: "q", Value: "x", Injectable: true},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"q"}, tmpl.InjectionPoints())
	_, err = Generate(tmpl, []string{"csrf"}, []string{"p"}, nil)
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestGenerate_FakeMutant(t *testing.T) {
	tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/static", "")
	require.False(t, tmpl.HasInjectionPoints())

	mutants, err := Generate(tmpl, nil, []string{""}, nil)
	require.NoError(t, err)
	require.Len(t, mutants, 1)
	m := mutants[0]
	assert.True(t, m.IsFake())
	assert.Empty(t, m.Payload())
	assert.Same(t, tmpl, m.Request())

	// Explicitly empty point selection on a parameterized page behaves the same way.
	withParams := mustTemplate(t, schemas.MethodGet, "http://example.test/p?a=1", "")
	mutants, err = Generate(withParams, []string{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, mutants, 1)
	assert.True(t, mutants[0].IsFake())

	delayed, err := m.WithPayload("sleep(3);")
	require.NoError(t, err)
	assert.Equal(t, "sleep(3);", delayed.Payload())
	assert.Equal(t, tmpl.URL(), delayed.Request().URL())
}

func TestGenerate_PointBoundPayloadWithoutPoints(t *testing.T) {
	tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/static", "")
	_, err := Generate(tmpl, nil, []string{"<!--"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTemplate))

	_, err = Generate(nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestMutantWithPayload(t *testing.T) {
	tmpl := mustTemplate(t, schemas.MethodGet, "http://example.test/p?a=1&b=2", "")
	mutants, err := Generate(tmpl, []string{"b"}, []string{""}, nil)
	require.NoError(t, err)

	derived, err := mutants[0].WithPayload("Thread.sleep(3000);")
	require.NoError(t, err)
	p, _ := derived.Request().Param("b")
	assert.Equal(t, "Thread.sleep(3000);", p.Value)
	p, _ = derived.Request().Param("a")
	assert.Equal(t, "1", p.Value)
	assert.Equal(t, "", mutants[0].Payload(), "source mutant is unchanged")
	assert.Contains(t, derived.FoundAt(), `The modified parameter was "b"`)
}

func TestRandomMarker(t *testing.T) {
	m := RandomMarker(5)
	assert.Len(t, m, 5)
	assert.Regexp(t, `^[a-z]{5}$`, m)
}
