package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisiond/pkg/model"
)

var methodRe = regexp.MustCompile(`<methodName>([^<]+)</methodName>`)

const (
	xmlString = `<?xml version="1.0"?><methodResponse><params><param><value><string>%s</string></value></param></params></methodResponse>`
	xmlTrue   = `<?xml version="1.0"?><methodResponse><params><param><value><boolean>1</boolean></value></param></params></methodResponse>`
	xmlFault  = `<?xml version="1.0"?><methodResponse><fault><value><struct>` +
		`<member><name>faultCode</name><value><int>1</int></value></member>` +
		`<member><name>faultString</name><value><string>%s</string></value></member>` +
		`</struct></value></fault></methodResponse>`
)

type cobblerServer struct {
	mu         sync.Mutex
	calls      []string
	badAuth    bool
	handleDown bool
}

func (s *cobblerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m := methodRe.FindStringSubmatch(string(body))
	if m == nil {
		http.Error(w, "no method", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.calls = append(s.calls, m[1])
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/xml")
	switch m[1] {
	case "login":
		if s.badAuth {
			fmt.Fprintf(w, xmlFault, "login failed")
			return
		}
		fmt.Fprintf(w, xmlString, "token-1")
	case "get_system_handle":
		if s.handleDown {
			http.Error(w, "upstream unavailable", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, xmlFault, "unknown system name")
	case "new_system":
		fmt.Fprintf(w, xmlString, "___NEW___system::1")
	case "background_power_system":
		fmt.Fprintf(w, xmlString, "2024-01-01_000000_power")
	default:
		fmt.Fprint(w, xmlTrue)
	}
}

func (s *cobblerServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == method {
			n++
		}
	}
	return n
}

func TestCobblerSaveAndReboot(t *testing.T) {
	srv := &cobblerServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	d, err := New(Config{ClassName: "cobbler", URL: ts.URL + "/cobbler_api", User: "cobbler", Password: "cobbler"})
	require.NoError(t, err)
	c := d.(*Cobbler)
	defer c.Close()

	n := Node{Name: "1_52:54:00:00:00:01", MAC: "52:54:00:00:00:01", Profile: Profile{Name: "centos"}, PXE: true,
		Power: Power{Type: "ssh", User: "root", Pass: "rsa:/k", Address: "10.0.0.1"}}
	require.NoError(t, d.Save(context.Background(), n))
	require.NoError(t, d.PowerReboot(context.Background(), n))

	assert.Equal(t, 1, srv.count("login"))
	assert.Equal(t, 1, srv.count("new_system"))
	assert.Equal(t, 9, srv.count("modify_system"))
	assert.Equal(t, 1, srv.count("save_system"))
	assert.Equal(t, 1, srv.count("background_power_system"))
}

func TestCobblerSaveKeepsHandleLookupFailure(t *testing.T) {
	srv := &cobblerServer{handleDown: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	d, err := New(Config{ClassName: "cobbler", URL: ts.URL + "/cobbler_api", User: "cobbler", Password: "cobbler"})
	require.NoError(t, err)
	defer d.(*Cobbler).Close()

	err = d.Save(context.Background(), Node{Name: "1_52:54:00:00:00:01", MAC: "52:54:00:00:00:01"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get_system_handle")
	assert.Zero(t, srv.count("new_system"), "a failed lookup is not a missing system")
	assert.Zero(t, srv.count("save_system"))
}

func TestCobblerLoginFailureIsConfigError(t *testing.T) {
	ts := httptest.NewServer(&cobblerServer{badAuth: true})
	defer ts.Close()

	_, err := New(Config{ClassName: "cobbler", URL: ts.URL, User: "cobbler", Password: "wrong"})
	assert.ErrorIs(t, err, model.ErrBackendConfig)
	assert.Contains(t, err.Error(), "login failed")
}

func TestCobblerUnreachableIsBackendUnavailable(t *testing.T) {
	srv := &cobblerServer{}
	ts := httptest.NewServer(srv)
	d, err := New(Config{ClassName: "cobbler", URL: ts.URL})
	require.NoError(t, err)
	ts.Close()

	err = NewDispatcher("b", "p", nil).Dispatch(context.Background(), model.Node{ID: 1, MAC: "m"}, d, Profile{})
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}
