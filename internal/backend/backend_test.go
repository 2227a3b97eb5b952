package backend_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/path-proxy/internal/backend"
	"github.com/angeloszaimis/path-proxy/internal/httperror"
	"github.com/angeloszaimis/path-proxy/internal/router"
)

type echoed struct {
	Method        string      `json:"method"`
	Path          string      `json:"path"`
	RequestURI    string      `json:"request_uri"`
	RawQuery      string      `json:"raw_query"`
	Host          string      `json:"host"`
	Body          string      `json:"body"`
	ContentLength int64       `json:"content_length"`
	Header        http.Header `json:"header"`
}

func newEchoServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echoed{
			Method:        r.Method,
			Path:          r.URL.Path,
			RequestURI:    r.RequestURI,
			RawQuery:      r.URL.RawQuery,
			Host:          r.Host,
			Body:          string(body),
			ContentLength: r.ContentLength,
			Header:        r.Header,
		})
	}))
}

func mustParseURL(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return u
}

func decodeEcho(rec *httptest.ResponseRecorder) echoed {
	var e echoed
	Expect(json.Unmarshal(rec.Body.Bytes(), &e)).To(Succeed())
	return e
}

var _ = Describe("Backend", func() {
	var (
		testURL *url.URL
		b       *backend.Backend
	)

	BeforeEach(func() {
		testURL = mustParseURL("http://localhost:8081")
		b = backend.New(&router.Route{Name: "default", Prefix: "/", Target: testURL}, backend.Options{})
	})

	Describe("New", func() {
		It("should expose the route", func() {
			Expect(b.Name()).To(Equal("default"))
			Expect(b.URL()).To(Equal(testURL))
			Expect(b.Route().Prefix).To(Equal("/"))
		})

		It("should start healthy", func() {
			Expect(b.IsHealthy()).To(BeTrue())
		})

		It("should have zero active connections", func() {
			Expect(b.ActiveConnections()).To(Equal(0))
		})
	})

	Describe("Health Management", func() {
		It("should report changes only", func() {
			Expect(b.SetHealthy(true)).To(BeFalse())
			Expect(b.SetHealthy(false)).To(BeTrue())
			Expect(b.IsHealthy()).To(BeFalse())
			Expect(b.SetHealthy(false)).To(BeFalse())
			Expect(b.SetHealthy(true)).To(BeTrue())
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func(healthy bool) {
					defer wg.Done()
					b.SetHealthy(healthy)
					_ = b.IsHealthy()
				}(i%2 == 0)
			}
			wg.Wait()
		})
	})

	Describe("Connection Tracking", func() {
		It("should count up and down", func() {
			b.IncrementConn()
			b.IncrementConn()
			b.IncrementConn()
			Expect(b.ActiveConnections()).To(Equal(3))

			b.DecrementConn()
			Expect(b.ActiveConnections()).To(Equal(2))
		})

		It("should not go below zero", func() {
			b.DecrementConn()
			b.DecrementConn()
			Expect(b.ActiveConnections()).To(Equal(0))
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.IncrementConn()
				}()
			}
			wg.Wait()
			Expect(b.ActiveConnections()).To(Equal(100))
		})
	})

	Describe("Response Time Tracking (EWMA)", func() {
		It("should return zero before any response", func() {
			Expect(b.EWMATime()).To(BeZero())
		})

		It("should take the first sample as is", func() {
			b.RecordResponse(100 * time.Millisecond)
			Expect(b.EWMATime()).To(Equal(100 * time.Millisecond))
		})

		It("should smooth subsequent samples", func() {
			b.RecordResponse(100 * time.Millisecond)
			b.RecordResponse(200 * time.Millisecond)
			Expect(b.EWMATime()).To(BeNumerically("~", 120*time.Millisecond, time.Microsecond))
		})
	})

	Describe("Forward", func() {
		var upstream *httptest.Server

		BeforeEach(func() {
			upstream = newEchoServer()
		})

		AfterEach(func() {
			upstream.Close()
		})

		Context("on the default route", func() {
			BeforeEach(func() {
				b = backend.New(&router.Route{Name: "default", Prefix: "/", Target: mustParseURL(upstream.URL)}, backend.Options{})
			})

			It("should relay method, path and query", func() {
				req := httptest.NewRequest(http.MethodGet, "/prompt?x=1&y=a%20b&x=2", nil)
				rec := httptest.NewRecorder()

				b.Forward(rec, req, req.URL.Path)

				Expect(rec.Code).To(Equal(http.StatusOK))
				e := decodeEcho(rec)
				Expect(e.Method).To(Equal(http.MethodGet))
				Expect(e.Path).To(Equal("/prompt"))
				Expect(e.RawQuery).To(Equal("x=1&y=a%20b&x=2"))
			})

			It("should relay the body and arbitrary headers", func() {
				req := httptest.NewRequest(http.MethodPut, "/upload", strings.NewReader(`{"a":1}`))
				req.Header.Set("X-Custom", "value")
				req.Header.Set("Authorization", "Bearer t")
				req.Header.Set("Cookie", "session=abc")
				rec := httptest.NewRecorder()

				b.Forward(rec, req, req.URL.Path)

				e := decodeEcho(rec)
				Expect(e.Method).To(Equal(http.MethodPut))
				Expect(e.Body).To(Equal(`{"a":1}`))
				Expect(e.ContentLength).To(Equal(int64(7)))
				Expect(e.Header.Get("X-Custom")).To(Equal("value"))
				Expect(e.Header.Get("Authorization")).To(Equal("Bearer t"))
				Expect(e.Header.Get("Cookie")).To(Equal("session=abc"))
			})

			It("should send the backend's host instead of the client's", func() {
				req := httptest.NewRequest(http.MethodGet, "http://proxy.example.com/", nil)
				rec := httptest.NewRecorder()

				b.Forward(rec, req, req.URL.Path)

				e := decodeEcho(rec)
				Expect(e.Host).To(Equal(mustParseURL(upstream.URL).Host))
			})

			It("should keep escaped path segments", func() {
				req := httptest.NewRequest(http.MethodGet, "/files/a%2Fb", nil)
				rec := httptest.NewRecorder()

				b.Forward(rec, req, req.URL.Path)

				Expect(decodeEcho(rec).RequestURI).To(Equal("/files/a%2Fb"))
			})

			It("should relay the client's forwarding headers untouched", func() {
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				req.Header.Set("X-Forwarded-For", "1.2.3.4")
				rec := httptest.NewRecorder()

				b.Forward(rec, req, req.URL.Path)

				Expect(decodeEcho(rec).Header.Values("X-Forwarded-For")).To(Equal([]string{"1.2.3.4"}))
			})

			It("should not invent forwarding headers", func() {
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				rec := httptest.NewRecorder()

				b.Forward(rec, req, req.URL.Path)

				e := decodeEcho(rec)
				Expect(e.Header.Get("X-Forwarded-For")).To(BeEmpty())
				Expect(e.Header.Get("X-Forwarded-Host")).To(BeEmpty())
			})
		})

		Context("with forwarded headers enabled", func() {
			BeforeEach(func() {
				b = backend.New(
					&router.Route{Name: "default", Prefix: "/", Target: mustParseURL(upstream.URL)},
					backend.Options{ForwardedHeaders: true},
				)
			})

			It("should append the client address", func() {
				req := httptest.NewRequest(http.MethodGet, "http://proxy.example.com/", nil)
				req.Header.Set("X-Forwarded-For", "1.2.3.4")
				rec := httptest.NewRecorder()

				b.Forward(rec, req, req.URL.Path)

				e := decodeEcho(rec)
				Expect(e.Header.Get("X-Forwarded-For")).To(Equal("1.2.3.4, 192.0.2.1"))
				Expect(e.Header.Get("X-Forwarded-Host")).To(Equal("proxy.example.com"))
				Expect(e.Header.Get("X-Forwarded-Proto")).To(Equal("http"))
			})
		})

		Context("on a prefix route with a base path", func() {
			BeforeEach(func() {
				b = backend.New(&router.Route{
					Name:        "iib",
					Prefix:      "/infinite_image_browsing",
					Target:      mustParseURL(upstream.URL + "/infinite_image_browsing"),
					StripPrefix: true,
				}, backend.Options{})
			})

			It("should append the remainder to the base path", func() {
				req := httptest.NewRequest(http.MethodGet, "/infinite_image_browsing/files?dir=a", nil)
				rec := httptest.NewRecorder()

				b.Forward(rec, req, "/files")

				e := decodeEcho(rec)
				Expect(e.Path).To(Equal("/infinite_image_browsing/files"))
				Expect(e.RawQuery).To(Equal("dir=a"))
			})

			It("should use the base path for an empty remainder", func() {
				req := httptest.NewRequest(http.MethodGet, "/infinite_image_browsing", nil)
				rec := httptest.NewRecorder()

				b.Forward(rec, req, "")

				Expect(decodeEcho(rec).Path).To(Equal("/infinite_image_browsing"))
			})

			It("should relay DELETE with the remainder", func() {
				req := httptest.NewRequest(http.MethodDelete, "/infinite_image_browsing/db/1", nil)
				rec := httptest.NewRecorder()

				b.Forward(rec, req, "/db/1")

				e := decodeEcho(rec)
				Expect(e.Method).To(Equal(http.MethodDelete))
				Expect(e.Path).To(Equal("/infinite_image_browsing/db/1"))
			})
		})
	})

	Describe("Response relay", func() {
		var upstream *httptest.Server

		AfterEach(func() {
			upstream.Close()
		})

		forward := func() *httptest.ResponseRecorder {
			b = backend.New(&router.Route{Name: "default", Prefix: "/", Target: mustParseURL(upstream.URL)}, backend.Options{})
			req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader("x"))
			rec := httptest.NewRecorder()
			b.Forward(rec, req, req.URL.Path)
			return rec
		}

		It("should copy status, headers and body", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Header().Set("X-Upstream", "yes")
				w.Header().Add("Set-Cookie", "a=1")
				w.Header().Add("Set-Cookie", "b=2")
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte("created"))
			}))

			rec := forward()

			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Header().Get("Content-Type")).To(Equal("text/plain; charset=utf-8"))
			Expect(rec.Header().Get("X-Upstream")).To(Equal("yes"))
			Expect(rec.Header().Values("Set-Cookie")).To(Equal([]string{"a=1", "b=2"}))
			Expect(rec.Body.String()).To(Equal("created"))
		})

		It("should relay upstream errors verbatim", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"detail":"boom"}`))
			}))

			rec := forward()

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).To(Equal(`{"detail":"boom"}`))
		})

		It("should default a missing content type", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header()["Content-Type"] = nil
				_, _ = w.Write([]byte("<html>raw</html>"))
			}))

			rec := forward()

			Expect(rec.Header().Get("Content-Type")).To(Equal(backend.DefaultContentType))
			Expect(rec.Body.String()).To(Equal("<html>raw</html>"))
		})
	})

	Describe("Transport failures", func() {
		var deadURL *url.URL

		BeforeEach(func() {
			srv := httptest.NewServer(http.NotFoundHandler())
			deadURL = mustParseURL(srv.URL)
			srv.Close()
		})

		It("should answer 502 with the JSON envelope", func() {
			b = backend.New(&router.Route{Name: "default", Prefix: "/", Target: deadURL}, backend.Options{})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()

			b.Forward(rec, req, "/")

			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var env httperror.Envelope
			Expect(json.Unmarshal(rec.Body.Bytes(), &env)).To(Succeed())
			Expect(env.Error).To(Equal(httperror.MsgBackendUnavailable))
			Expect(env.Details).NotTo(BeEmpty())
		})

		It("should hand the error to a custom handler", func() {
			var got error
			b = backend.New(&router.Route{Name: "default", Prefix: "/", Target: deadURL}, backend.Options{
				ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
					got = err
					w.WriteHeader(http.StatusTeapot)
				},
			})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()

			b.Forward(rec, req, "/")

			Expect(rec.Code).To(Equal(http.StatusTeapot))
			Expect(got).To(HaveOccurred())
		})

		It("should stop waiting once the response header timeout passes", func() {
			slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(300 * time.Millisecond)
			}))
			defer slow.Close()

			transport, err := backend.NewTransport(backend.TransportOptions{Timeout: 50 * time.Millisecond})
			Expect(err).NotTo(HaveOccurred())

			b = backend.New(&router.Route{Name: "default", Prefix: "/", Target: mustParseURL(slow.URL)}, backend.Options{Transport: transport})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()

			b.Forward(rec, req, "/")

			Expect(rec.Code).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("Rewrite", func() {
		It("should strip Host and Content-Length", func() {
			b = backend.New(&router.Route{Name: "default", Prefix: "/", Target: mustParseURL("http://127.0.0.1:8188")}, backend.Options{})

			in := httptest.NewRequest(http.MethodPost, "http://proxy.example.com/queue?id=7", strings.NewReader("abc"))
			in.Header.Set("Host", "proxy.example.com")
			in.Header.Set("Content-Length", "3")
			in.Header.Set("X-Keep", "1")
			pr := &httputil.ProxyRequest{In: in, Out: in.Clone(context.Background())}

			b.Rewrite(pr)

			Expect(pr.Out.Header.Get("Host")).To(BeEmpty())
			Expect(pr.Out.Header.Get("Content-Length")).To(BeEmpty())
			Expect(pr.Out.Header.Get("X-Keep")).To(Equal("1"))
			Expect(pr.Out.Host).To(BeEmpty())
			Expect(pr.Out.URL.String()).To(Equal("http://127.0.0.1:8188/queue?id=7"))
		})
	})
})

var _ = Describe("NewTransport", func() {
	It("should register h2 when HTTP/2 is enabled", func() {
		t, err := backend.NewTransport(backend.TransportOptions{Timeout: time.Second, HTTP2: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(t.TLSNextProto).To(HaveKey("h2"))
	})

	It("should stay on HTTP/1.1 otherwise", func() {
		t, err := backend.NewTransport(backend.TransportOptions{Timeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(t.TLSNextProto).To(BeEmpty())
	})

	It("should apply the timeout to header waits", func() {
		t, err := backend.NewTransport(backend.TransportOptions{Timeout: 7 * time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(t.ResponseHeaderTimeout).To(Equal(7 * time.Second))
		Expect(t.TLSHandshakeTimeout).To(Equal(7 * time.Second))
	})

	It("should default the idle connection timeout", func() {
		t, err := backend.NewTransport(backend.TransportOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(t.IdleConnTimeout).To(Equal(90 * time.Second))
	})
})
