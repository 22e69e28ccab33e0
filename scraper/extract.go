package scraper

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/mila1515/bookcrawl/models"
	"github.com/mila1515/bookcrawl/parser"
)

// extractListingBook builds a partial record from one catalog listing entry.
// The detail page fills in stock, category and the secondary fields.
func extractListingBook(e *colly.HTMLElement) (*models.Book, string) {
	title := strings.TrimSpace(e.ChildAttr("h3 a", "title"))
	if title == "" {
		title = strings.TrimSpace(e.ChildText("h3 a"))
	}

	href := e.ChildAttr("h3 a", "href")
	if href == "" {
		return nil, ""
	}
	detailURL := e.Request.AbsoluteURL(href)

	book := &models.Book{
		Title:  title,
		Price:  parser.NormalizePrice(e.ChildText("p.price_color")),
		Rating: parser.NormalizeRating(e.ChildAttr("p.star-rating", "class")),
		Stock:  models.StockUnknown,
		URL:    detailURL,
	}
	return book, detailURL
}

// completeFromDetail fills the remaining fields from the item's detail page:
// stock count from the availability text, category from the breadcrumb,
// description and the product-information table. Detail-page values win over
// their listing counterparts since the detail page is authoritative.
func completeFromDetail(book *models.Book, e *colly.HTMLElement) {
	dom := e.DOM
	main := dom.Find("div.product_main")

	if title := strings.TrimSpace(main.Find("h1").Text()); title != "" {
		book.Title = title
	}
	if price := parser.NormalizePrice(main.Find("p.price_color").Text()); price != nil {
		book.Price = price
	}
	if class, ok := main.Find("p.star-rating").Attr("class"); ok {
		if rating := parser.NormalizeRating(class); rating != nil {
			book.Rating = rating
		}
	}

	stockParts := []string{main.Find("p.availability").Text()}

	dom.Find("table.table.table-striped tr").Each(func(_ int, row *goquery.Selection) {
		key := strings.ToLower(strings.TrimSpace(row.Find("th").Text()))
		value := strings.TrimSpace(row.Find("td").Text())
		if value == "" {
			return
		}
		switch key {
		case "upc":
			book.UPC = value
		case "availability":
			stockParts = append(stockParts, value)
		}
	})
	book.Stock = parser.NormalizeStock(stockParts...)

	if category := categoryFromBreadcrumb(dom); category != "" {
		book.Category = category
	}
	if book.Category == "" {
		book.Category = "uncategorized"
	}

	if desc := dom.Find("#product_description").Next(); desc.Is("p") {
		book.Description = strings.TrimSpace(desc.Text())
	}
}

// categoryFromBreadcrumb reads the detail page's navigation trail
// (Home > Books > Category > Title) and returns the category segment.
func categoryFromBreadcrumb(dom *goquery.Selection) string {
	items := dom.Find("ul.breadcrumb li")
	if items.Length() < 3 {
		return ""
	}
	return strings.TrimSpace(items.Eq(2).Find("a").Text())
}

// categoryFromURL derives a listing page's category from its path, e.g.
// /catalogue/category/books/travel_2/index.html yields "travel". Returns ""
// for pages outside the category tree.
func categoryFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i, segment := range segments {
		if segment != "category" || i+1 >= len(segments) {
			continue
		}
		candidate := segments[i+1]
		// The "books" segment is the catalog root, the real category
		// follows it.
		if candidate == "books" && i+2 < len(segments) {
			candidate = segments[i+2]
		}
		if strings.HasSuffix(candidate, ".html") {
			return ""
		}
		if j := strings.LastIndex(candidate, "_"); j > 0 {
			candidate = candidate[:j]
		}
		return candidate
	}
	return ""
}

// equalCategory compares category labels ignoring case and separator style,
// so a "science fiction" filter matches the "science-fiction" URL segment.
func equalCategory(a, b string) bool {
	normalize := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		s = strings.ReplaceAll(s, "-", " ")
		s = strings.ReplaceAll(s, "_", " ")
		return s
	}
	return normalize(a) == normalize(b)
}
