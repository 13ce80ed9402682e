package binder

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type params struct {
	Hello string `json:"hello" mod:"trim" validate:"max=9"`
	Omit  string `json:"-"`
}

var (
	goodJSON             = `{"hello":" world "}`
	unknownFieldsErrJSON = `{"hello":"world","foo":"bar"}`
	typeErrJSON          = `{"hello":123}`
	validationErrJSON    = `{"hello":"0123456789"}`
)

func TestNew(t *testing.T) {
	t.Parallel()
	b, err := New()
	require.NoError(t, err)
	assert.NotNil(t, b)

	t.Run("only allows application/json", func(tt *testing.T) {
		c := newContext(goodJSON, echo.MIMEApplicationXML)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), "Unsupported Media Type")
	})

	t.Run("disallows unknown fields", func(tt *testing.T) {
		c := newContext(unknownFieldsErrJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), `Unknown Parameter "foo"`)
	})

	t.Run("returns a good message for type errors", func(tt *testing.T) {
		c := newContext(typeErrJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), `"hello" should be of type string`)
	})

	t.Run("use mod tag to modify params", func(tt *testing.T) {
		c := newContext(goodJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		require.NoError(tt, err)
		assert.Equal(tt, "world", p.Hello)
	})

	t.Run("form bodies are rejected", func(tt *testing.T) {
		c := newContext("hello=world", echo.MIMEApplicationForm)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), "Unsupported Media Type")
	})

	t.Run("post without a body", func(tt *testing.T) {
		c := newContext("", echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), "Request body can't be empty.")
	})

	t.Run("use validate tag to validate params", func(tt *testing.T) {
		c := newContext(validationErrJSON, echo.MIMEApplicationJSON)
		p := params{}
		err = b.Bind(&p, c)
		assert.Contains(tt, err.Error(), "length must be less than or equal to 9 characters")
	})
}

func newContext(payload, mime string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(echo.POST, "/", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, mime)
	rr := httptest.NewRecorder()
	return e.NewContext(req, rr)
}

type endpoint struct {
	RemoteURL string `json:"remote_url" validate:"url"`
	Token     string `json:"token" validate:"synctoken"`
}

type changesQuery struct {
	Since string `query:"since" json:"since" validate:"required,synctoken"`
	Limit int    `query:"limit" json:"limit" default:"100"`
}

func TestBind_Query(t *testing.T) {
	t.Parallel()
	b, err := New()
	require.NoError(t, err)

	get := func(target string) echo.Context {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		return echo.New().NewContext(req, httptest.NewRecorder())
	}

	q := changesQuery{}
	require.NoError(t, b.Bind(&q, get("/?since=7")))
	assert.Equal(t, "7", q.Since)
	assert.Equal(t, 100, q.Limit)

	q = changesQuery{}
	err = b.Bind(&q, get("/?since=-3"))
	assert.EqualError(t, err, `"since" is not a valid sync token`)

	q = changesQuery{}
	err = b.Bind(&q, get("/"))
	assert.EqualError(t, err, `"since" is required`)

	q = changesQuery{}
	err = b.Bind(&q, get("/?since=1&limit=lots"))
	assert.Contains(t, err.Error(), `"limit" should be of type int`)

	q = changesQuery{}
	err = b.Bind(&q, get("/?since=1&page=2"))
	assert.EqualError(t, err, `Unknown Parameter "page"`)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	b, err := New()
	require.NoError(t, err)

	require.NoError(t, b.Validate(&endpoint{RemoteURL: "http://localhost:5080", Token: "42"}))
	require.NoError(t, b.Validate(&endpoint{}))

	err = b.Validate(&endpoint{RemoteURL: "localhost:5080"})
	assert.EqualError(t, err, `"remote_url" is not a valid URL`)

	err = b.Validate(&endpoint{Token: "abc"})
	assert.EqualError(t, err, `"token" is not a valid sync token`)

	err = b.Validate(&endpoint{Token: "99999999999999999999"})
	assert.EqualError(t, err, `"token" is not a valid sync token`)

	require.Error(t, b.Validate("not a struct"))
}
