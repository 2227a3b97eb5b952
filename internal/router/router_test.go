package router_test

import (
	"net/url"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/path-proxy/internal/router"
)

func mustParseURL(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return u
}

var _ = Describe("Table", func() {
	var table *router.Table

	BeforeEach(func() {
		var err error
		table, err = router.NewTable(
			router.Route{Target: mustParseURL("http://127.0.0.1:8188")},
			router.Route{
				Name:        "iib",
				Prefix:      "/infinite_image_browsing",
				Target:      mustParseURL("http://127.0.0.1:8189/infinite_image_browsing"),
				StripPrefix: true,
			},
		)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewTable", func() {
		It("should name the default route", func() {
			Expect(table.Default().Name).To(Equal(router.DefaultRouteName))
			Expect(table.Default().Prefix).To(Equal("/"))
		})

		It("should normalize trailing slashes", func() {
			t, err := router.NewTable(
				router.Route{Target: mustParseURL("http://a")},
				router.Route{Prefix: "/api/", Target: mustParseURL("http://b")},
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Routes()[0].Prefix).To(Equal("/api"))
			Expect(t.Routes()[0].Name).To(Equal("api"))
		})

		It("should reject duplicate prefixes", func() {
			_, err := router.NewTable(
				router.Route{Target: mustParseURL("http://a")},
				router.Route{Prefix: "/api", Target: mustParseURL("http://b")},
				router.Route{Prefix: "/api/", Target: mustParseURL("http://c")},
			)
			Expect(err).To(MatchError(router.ErrDuplicatePrefix))
		})

		It("should reject duplicate names", func() {
			_, err := router.NewTable(
				router.Route{Target: mustParseURL("http://a")},
				router.Route{Name: "images", Prefix: "/a", Target: mustParseURL("http://b")},
				router.Route{Name: "images", Prefix: "/b", Target: mustParseURL("http://c")},
			)
			Expect(err).To(MatchError(router.ErrDuplicateName))
		})

		It("should reject a derived name that collides with the default route", func() {
			_, err := router.NewTable(
				router.Route{Target: mustParseURL("http://a")},
				router.Route{Prefix: "/default", Target: mustParseURL("http://b")},
			)
			Expect(err).To(MatchError(router.ErrDuplicateName))
		})

		It("should reject a name equal to a custom default name", func() {
			_, err := router.NewTable(
				router.Route{Name: "comfy", Target: mustParseURL("http://a")},
				router.Route{Name: "comfy", Prefix: "/api", Target: mustParseURL("http://b")},
			)
			Expect(err).To(MatchError(router.ErrDuplicateName))
		})

		It("should reject a root prefix", func() {
			_, err := router.NewTable(
				router.Route{Target: mustParseURL("http://a")},
				router.Route{Prefix: "/", Target: mustParseURL("http://b")},
			)
			Expect(err).To(MatchError(router.ErrInvalidPrefix))
		})

		It("should reject a relative prefix", func() {
			_, err := router.NewTable(
				router.Route{Target: mustParseURL("http://a")},
				router.Route{Prefix: "api", Target: mustParseURL("http://b")},
			)
			Expect(err).To(MatchError(router.ErrInvalidPrefix))
		})

		It("should reject a missing default target", func() {
			_, err := router.NewTable(router.Route{})
			Expect(err).To(MatchError(router.ErrInvalidTarget))
		})

		It("should reject non-http targets", func() {
			_, err := router.NewTable(router.Route{Target: mustParseURL("ftp://a")})
			Expect(err).To(MatchError(router.ErrInvalidTarget))
		})
	})

	Describe("Match", func() {
		DescribeTable("resolves paths",
			func(path, wantRoute, wantRest string) {
				r, rest := table.Match(path)
				Expect(r).NotTo(BeNil())
				Expect(r.Name).To(Equal(wantRoute))
				Expect(rest).To(Equal(wantRest))
			},
			Entry("root goes to default", "/", "default", "/"),
			Entry("empty path goes to default", "", "default", ""),
			Entry("other paths go to default", "/prompt", "default", "/prompt"),
			Entry("nested default path", "/api/queue/1", "default", "/api/queue/1"),
			Entry("exact prefix", "/infinite_image_browsing", "iib", ""),
			Entry("prefix with trailing slash", "/infinite_image_browsing/", "iib", "/"),
			Entry("below prefix", "/infinite_image_browsing/files/a.png", "iib", "/files/a.png"),
			Entry("prefix is segment aware", "/infinite_image_browsingX", "default", "/infinite_image_browsingX"),
			Entry("prefix is case sensitive", "/Infinite_Image_Browsing", "default", "/Infinite_Image_Browsing"),
		)

		It("should keep the full path when not stripping", func() {
			t, err := router.NewTable(
				router.Route{Target: mustParseURL("http://a")},
				router.Route{Name: "api", Prefix: "/api", Target: mustParseURL("http://b")},
			)
			Expect(err).NotTo(HaveOccurred())

			r, rest := t.Match("/api/users")
			Expect(r.Name).To(Equal("api"))
			Expect(rest).To(Equal("/api/users"))
		})

		It("should prefer the longest prefix", func() {
			t, err := router.NewTable(
				router.Route{Target: mustParseURL("http://a")},
				router.Route{Name: "short", Prefix: "/api", Target: mustParseURL("http://b")},
				router.Route{Name: "long", Prefix: "/api/v2", Target: mustParseURL("http://c")},
			)
			Expect(err).NotTo(HaveOccurred())

			r, _ := t.Match("/api/v2/users")
			Expect(r.Name).To(Equal("long"))

			r, _ = t.Match("/api/v1/users")
			Expect(r.Name).To(Equal("short"))
		})

		It("should be safe for concurrent use", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					if i%2 == 0 {
						r, _ := table.Match("/infinite_image_browsing/x")
						Expect(r.Name).To(Equal("iib"))
					} else {
						r, _ := table.Match("/x")
						Expect(r.Name).To(Equal("default"))
					}
				}(i)
			}
			wg.Wait()
		})
	})

	Describe("Routes", func() {
		It("should list the default route last", func() {
			routes := table.Routes()
			Expect(routes).To(HaveLen(2))
			Expect(routes[0].Name).To(Equal("iib"))
			Expect(routes[1].Name).To(Equal("default"))
		})
	})
})
