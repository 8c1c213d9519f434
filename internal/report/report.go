// Package report renders harness outcomes as an HTML page.
package report

import (
	"context"
	"fmt"
	"html"
	"io"
	"time"

	"putsum/internal/harness"

	"github.com/a-h/templ"
	"github.com/docker/go-units"
)

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\">")
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<title>"+html.EscapeString(title)+"</title>")
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head><body><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// ResultsPage renders one table row per outcome.
func ResultsPage(endpoint string, generated time.Time, outcomes []harness.Outcome) templ.Component {
	return Layout("putsum - results", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h1>Upload scenarios</h1>")
		if err != nil {
			return err
		}
		summary := fmt.Sprintf("<p>Endpoint <code>%s</code>, %d of %d outcomes as expected, generated %s.</p></header>",
			html.EscapeString(endpoint),
			len(outcomes)-harness.Failed(outcomes),
			len(outcomes),
			html.EscapeString(generated.UTC().Format(time.RFC3339)),
		)
		_, err = io.WriteString(w, summary)
		if err != nil {
			return err
		}

		if len(outcomes) == 0 {
			_, err = io.WriteString(w, "<p>No scenarios were run.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Runner</th><th>Scenario</th><th>Framing</th><th>Expected</th><th>Size</th><th>Status</th><th>Duration</th><th>Detail</th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, o := range outcomes {
			if err := outcomeRow(o).Render(ctx, w); err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}

func outcomeRow(o harness.Outcome) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var detail string
		switch {
		case o.VerifyErr != nil:
			detail = o.VerifyErr.Error()
		case o.Err != nil:
			detail = o.Err.Error()
		}

		mark := "ins"
		if !o.Pass {
			mark = "del"
		}

		row := fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td><%s>%s</%s></td><td>%s</td><td>%s</td></tr>",
			html.EscapeString(o.Runner),
			html.EscapeString(o.Scenario),
			html.EscapeString(o.Framing),
			html.EscapeString(o.Expectation),
			units.BytesSize(float64(o.Size)),
			mark, o.Status(), mark,
			o.Duration.Round(time.Millisecond),
			html.EscapeString(detail),
		)
		_, err := io.WriteString(w, row)
		return err
	})
}
