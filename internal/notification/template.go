package notification

import (
	"bytes"
	"html/template"
	"sort"
)

// metadataRow is one key/value pair rendered in the email footer.
type metadataRow struct {
	Key   string
	Value string
}

// emailData is the render context for emailTmpl. All string fields are
// auto-escaped by html/template.
type emailData struct {
	Subject  string
	Body     string
	JobID    string
	Metadata []metadataRow
}

// emailTmpl is the HTML wrapper applied to every outgoing email. The layout
// is a single light card: subject heading, body, then a reference block with
// the job id and any submitter metadata, so a recipient replying to an
// operator can quote the exact job.
var emailTmpl = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width,initial-scale=1.0">
  <title>{{.Subject}}</title>
</head>
<body style="margin:0;padding:0;background-color:#eef1f4;
     font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">
  <table width="100%" cellpadding="0" cellspacing="0" role="presentation"
         style="padding:32px 12px;">
    <tr>
      <td align="center">
        <table width="560" cellpadding="0" cellspacing="0" role="presentation"
               style="max-width:560px;width:100%;background-color:#ffffff;
                      border:1px solid #d9dee3;border-radius:8px;overflow:hidden;">
          <tr>
            <td style="padding:24px 32px 0;">
              <p style="margin:0;font-size:12px;font-weight:700;color:#0284c7;
                        text-transform:uppercase;letter-spacing:1px;">Notiq</p>
              <h1 style="margin:8px 0 0;font-size:18px;font-weight:600;
                         color:#111827;line-height:1.4;">{{.Subject}}</h1>
            </td>
          </tr>
          <tr>
            <td style="padding:20px 32px 28px;">
              <div style="font-size:14px;line-height:1.7;color:#374151;
                          white-space:pre-wrap;word-break:break-word;">{{.Body}}</div>
            </td>
          </tr>
          <tr>
            <td style="padding:16px 32px;background-color:#f8fafc;
                       border-top:1px solid #e5e7eb;">
              <p style="margin:0 0 4px;font-size:11px;color:#9ca3af;">
                Reference: <span style="font-family:ui-monospace,Menlo,monospace;
                color:#6b7280;">{{.JobID}}</span>
              </p>
{{- range .Metadata}}
              <p style="margin:0 0 4px;font-size:11px;color:#9ca3af;">
                {{.Key}}: <span style="color:#6b7280;">{{.Value}}</span>
              </p>
{{- end}}
              <p style="margin:8px 0 0;font-size:11px;color:#9ca3af;">
                Delivered by
                <a href="https://github.com/shaharia-lab/notiq"
                   style="color:#0284c7;text-decoration:none;">Notiq</a>
                on behalf of the service that queued it.
              </p>
            </td>
          </tr>
        </table>
      </td>
    </tr>
  </table>
</body>
</html>
`))

// buildEmailHTML renders the HTML email for an envelope. Metadata keys are
// sorted so the footer is stable across renders of the same job.
func buildEmailHTML(env *Envelope) (string, error) {
	data := emailData{
		Subject: env.Subject,
		Body:    env.Body,
		JobID:   env.ID,
	}
	for k, v := range env.Metadata {
		data.Metadata = append(data.Metadata, metadataRow{Key: k, Value: v})
	}
	sort.Slice(data.Metadata, func(i, j int) bool {
		return data.Metadata[i].Key < data.Metadata[j].Key
	})

	var buf bytes.Buffer
	if err := emailTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
