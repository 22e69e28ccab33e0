package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"

	"github.com/mila1515/bookcrawl/config"
	"github.com/mila1515/bookcrawl/models"
	"github.com/mila1515/bookcrawl/pipeline"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test/"
	cfg.MaxPages = 3
	cfg.Parallelism = 4
	cfg.Delay = 0
	cfg.MaxRetries = 0
	cfg.BatchSize = 8
	cfg.PipelineBufferSize = 128
	cfg.DedupeMaxSize = 1000
	return cfg
}

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	if !rm.Schedule("http://example.com/page") {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule("http://example.com/page") {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule("http://example.com/page") {
		t.Fatalf("third retry should not be scheduled")
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	delay := rm.backoff(4)
	if delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: nil, statusCode: http.StatusBadGateway, expected: "server_error"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusInternalServerError, expected: "server_error"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxPages = 1
			cfg.Parallelism = 1
			cfg.BatchSize = 1

			transport := httpmock.NewMockTransport()
			responder := httpmock.NewStringResponder(tt.status, "")
			transport.RegisterResponder("GET", cfg.BaseURL, responder)
			transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), responder)

			s, err := NewScraper(cfg)
			if err != nil {
				t.Fatalf("new scraper: %v", err)
			}
			s.collector.WithTransport(transport)

			writer := &collectingWriter{}
			p := pipeline.NewPipeline(context.Background(), writer, cfg)
			p.Start(1)

			result, err := s.Run(context.Background(), p)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if err := p.Close(); err != nil {
				t.Fatalf("close pipeline: %v", err)
			}

			if got := result.ErrorsByType[tt.expected]; got == 0 {
				t.Fatalf("expected %q classification for status %d", tt.expected, tt.status)
			}
		})
	}
}

type collectingWriter struct {
	mu    sync.Mutex
	books []*models.Book
}

func (cw *collectingWriter) Write(books []*models.Book) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.books = append(cw.books, books...)
	return nil
}

func (cw *collectingWriter) Close() error {
	return nil
}

func (cw *collectingWriter) Validate() error {
	return nil
}

func (cw *collectingWriter) Count() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.books)
}

func (cw *collectingWriter) All() []*models.Book {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]*models.Book, len(cw.books))
	copy(out, cw.books)
	return out
}

func TestScraper_Integration(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cfg.BaseURL, htmlResponder(buildListingPage(1, []int{1, 2}, true)))
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), htmlResponder(buildListingPage(1, []int{1, 2}, true)))
	transport.RegisterResponder("GET", cfg.BaseURL+"page-2.html", htmlResponder(buildListingPage(2, []int{3}, false)))
	for _, id := range []int{1, 2, 3} {
		transport.RegisterResponder("GET",
			fmt.Sprintf("%scatalogue/book-%d/index.html", cfg.BaseURL, id),
			htmlResponder(buildDetailPage(id)))
	}

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(2)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := writer.Count(); got != 3 {
		t.Fatalf("books=%d, want 3 (requests=%d errors=%d failed=%v)",
			got, result.RequestCount, result.ErrorCount, result.FailedURLs)
	}
	if result.PageCount != 1 {
		t.Fatalf("page count = %d, want 1 next-page transition", result.PageCount)
	}
	if result.TotalCount != 3 {
		t.Fatalf("total count = %d, want 3", result.TotalCount)
	}

	seen := make(map[string]bool)
	for _, book := range writer.All() {
		if seen[book.URL] {
			t.Fatalf("duplicate URL stored: %s", book.URL)
		}
		seen[book.URL] = true
	}

	var sample *models.Book
	expectedURL := cfg.BaseURL + "catalogue/book-1/index.html"
	for _, book := range writer.All() {
		if book.URL == expectedURL {
			sample = book
			break
		}
	}
	if sample == nil {
		t.Fatalf("expected book with URL %s", expectedURL)
	}
	if sample.Title != "Book 1" {
		t.Fatalf("title=%q, want %q", sample.Title, "Book 1")
	}
	if sample.Price == nil || *sample.Price != 1.00 {
		t.Fatalf("price=%v, want 1.00", sample.Price)
	}
	// The detail page rating overrides the listing rating.
	if sample.Rating == nil || *sample.Rating != 3 {
		t.Fatalf("rating=%v, want 3", sample.Rating)
	}
	if sample.Stock != 19 {
		t.Fatalf("stock=%d, want 19", sample.Stock)
	}
	if sample.Category != "Fiction" {
		t.Fatalf("category=%q, want Fiction", sample.Category)
	}
	if sample.UPC == "" {
		t.Fatalf("upc should not be empty")
	}
	if sample.Description == "" {
		t.Fatalf("description should not be empty")
	}
}

func TestScraperDetailFetchFailureDropsOnlyThatRecord(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cfg.BaseURL, htmlResponder(buildListingPage(1, []int{1, 2}, false)))
	transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), htmlResponder(buildListingPage(1, []int{1, 2}, false)))
	transport.RegisterResponder("GET", cfg.BaseURL+"catalogue/book-1/index.html", htmlResponder(buildDetailPage(1)))
	transport.RegisterResponder("GET", cfg.BaseURL+"catalogue/book-2/index.html",
		httpmock.NewStringResponder(http.StatusNotFound, "gone"))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := writer.Count(); got != 1 {
		t.Fatalf("books=%d, want 1", got)
	}
	if result.ErrorsByType["not_found"] == 0 {
		t.Fatalf("expected not_found error for the failing detail page")
	}
}

func TestScraperCategoryFilterSkipsOtherCategories(t *testing.T) {
	cfg := testConfig()
	cfg.Category = "travel"
	cfg.BaseURL = "http://example.test/catalogue/category/books/mystery_3/index.html"

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cfg.BaseURL,
		htmlResponder(buildListingPage(1, []int{1}, false)))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	if _, err := s.Run(context.Background(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := writer.Count(); got != 0 {
		t.Fatalf("books=%d, want 0 for mismatched category", got)
	}
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func buildListingPage(page int, ids []int, hasNext bool) string {
	var builder strings.Builder
	builder.WriteString("<html><body><section class=\"products\">")

	for _, id := range ids {
		fmt.Fprintf(&builder, "<article class=\"product_pod\">")
		fmt.Fprintf(&builder, "<h3><a href=\"/catalogue/book-%d/index.html\" title=\"Book %d\">Book %d</a></h3>", id, id, id)
		fmt.Fprintf(&builder, "<p class=\"price_color\">&pound;%0.2f</p>", float64(id))
		builder.WriteString("<p class=\"star-rating Two\"></p>")
		builder.WriteString("<p class=\"instock availability\">In stock</p>")
		builder.WriteString("</article>")
	}

	if hasNext {
		fmt.Fprintf(&builder, "<li class=\"next\"><a href=\"page-%d.html\">next</a></li>", page+1)
	}

	builder.WriteString("</section></body></html>")
	return builder.String()
}

func buildDetailPage(id int) string {
	var builder strings.Builder
	builder.WriteString("<html><body>")
	builder.WriteString("<ul class=\"breadcrumb\">")
	builder.WriteString("<li><a href=\"/\">Home</a></li>")
	builder.WriteString("<li><a href=\"/catalogue/category/books_1/index.html\">Books</a></li>")
	builder.WriteString("<li><a href=\"/catalogue/category/books/fiction_10/index.html\">Fiction</a></li>")
	fmt.Fprintf(&builder, "<li class=\"active\">Book %d</li>", id)
	builder.WriteString("</ul>")
	builder.WriteString("<article class=\"product_page\"><div class=\"row\"><div class=\"product_main\">")
	fmt.Fprintf(&builder, "<h1>Book %d</h1>", id)
	fmt.Fprintf(&builder, "<p class=\"price_color\">&pound;%0.2f</p>", float64(id))
	builder.WriteString("<p class=\"star-rating Three\"></p>")
	builder.WriteString("<p class=\"instock availability\">In stock (19 available)</p>")
	builder.WriteString("</div></div>")
	builder.WriteString("<div id=\"product_description\"><h2>Product Description</h2></div>")
	fmt.Fprintf(&builder, "<p>A thrilling read about book %d.</p>", id)
	builder.WriteString("<table class=\"table table-striped\">")
	fmt.Fprintf(&builder, "<tr><th>UPC</th><td>upc-%08d</td></tr>", id)
	builder.WriteString("<tr><th>Availability</th><td>In stock (19 available)</td></tr>")
	builder.WriteString("</table>")
	builder.WriteString("</article></body></html>")
	return builder.String()
}
