// Package tmpl renders the comments posted to pull requests with the
// results of validations and reconciliations.
package tmpl

import (
	"sort"
	"strings"
	"text/template"

	"github.com/clowarden-project/clowarden/internal/multierror"
	"github.com/clowarden-project/clowarden/internal/services"
)

var (
	reconciliationCompletedTmpl = template.Must(template.New("reconciliation-completed").Parse(`## CLOWarden reconciliation completed
{{- if not .SomeChangesApplied}}

No changes were applied.
{{- end}}
{{- range .Services}}
{{- if .Changes}}

### {{.Name}}

The following changes have been applied:

{{range .Changes}}{{.Text}}
{{- if .Error}}
	- **something went wrong applying this change**: {{.Error}}
{{- end}}
{{end}}
{{- end}}
{{- end}}
{{- if .Errors}}

### Errors

Something went wrong reconciling the state of the following services:
{{range .Errors}}
- **{{.Name}}**

` + "```" + `
{{.Error}}
` + "```" + `
{{- end}}
{{- end}}
`))

	validationFailedTmpl = template.Must(template.New("validation-failed").Parse(`## CLOWarden validation failed

The configuration changes proposed are not valid.

` + "```" + `
{{.Error}}
` + "```" + `
`))

	validationSucceededTmpl = template.Must(template.New("validation-succeeded").Parse(`## CLOWarden validation succeeded

The configuration changes proposed are valid.
{{- if not .ChangesFound}}

No changes detected.
{{- end}}
{{- range .Services}}
{{- if .Changes}}

### {{.Name}}

The following changes have been detected:

{{range .Changes}}{{.}}
{{end}}
{{- end}}
{{- end}}
{{- if .InvalidBaseRefConfigFound}}

**NOTE**: the configuration in the base reference is not valid, so all the changes defined in this pull request are displayed.
{{- end}}
`))
)

// DirectorySection is the heading the directory changes are displayed
// under on the validation succeeded comment.
const DirectorySection = "Directory"

type serviceChangesApplied struct {
	Name    string
	Changes []changeApplied
}

type changeApplied struct {
	Text  string
	Error string
}

type serviceError struct {
	Name  string
	Error string
}

type serviceChanges struct {
	Name    string
	Changes []string
}

// ReconciliationCompleted renders the comment posted when a
// reconciliation triggered from a pull request completes.
func ReconciliationCompleted(
	changesApplied map[services.ServiceName]services.ChangesApplied,
	errs map[services.ServiceName]error,
) (string, error) {
	data := struct {
		Services           []serviceChangesApplied
		SomeChangesApplied bool
		Errors             []serviceError
	}{}

	for _, serviceName := range sortedKeys(changesApplied) {
		service := serviceChangesApplied{Name: serviceName}
		for _, entry := range changesApplied[serviceName] {
			text, err := entry.Change.TemplateFormat()
			if err != nil {
				return "", err
			}
			service.Changes = append(service.Changes, changeApplied{
				Text:  text,
				Error: entry.Error,
			})
			data.SomeChangesApplied = true
		}
		data.Services = append(data.Services, service)
	}
	for _, serviceName := range sortedKeys(errs) {
		data.Errors = append(data.Errors, serviceError{
			Name:  serviceName,
			Error: errs[serviceName].Error(),
		})
	}

	return render(reconciliationCompletedTmpl, data)
}

// ValidationFailed renders the comment posted when the configuration
// changes proposed in a pull request are not valid.
func ValidationFailed(err error) (string, error) {
	data := struct {
		Error string
	}{
		Error: strings.TrimRight(multierror.PrettyFormat(err), "\n"),
	}
	return render(validationFailedTmpl, data)
}

// ValidationSucceeded renders the comment posted when the configuration
// changes proposed in a pull request are valid, displaying a summary of
// the changes detected.
func ValidationSucceeded(
	directoryChanges *services.ChangesSummary,
	servicesChanges map[services.ServiceName]*services.ChangesSummary,
) (string, error) {
	data := struct {
		Services                  []serviceChanges
		ChangesFound              bool
		InvalidBaseRefConfigFound bool
	}{
		InvalidBaseRefConfigFound: directoryChanges.BaseRefConfigStatus.IsInvalid(),
	}

	appendService := func(name string, summary *services.ChangesSummary) error {
		service := serviceChanges{Name: name}
		for _, change := range summary.Changes {
			text, err := change.TemplateFormat()
			if err != nil {
				return err
			}
			service.Changes = append(service.Changes, text)
			data.ChangesFound = true
		}
		data.Services = append(data.Services, service)
		if summary.BaseRefConfigStatus.IsInvalid() {
			data.InvalidBaseRefConfigFound = true
		}
		return nil
	}

	if err := appendService(DirectorySection, directoryChanges); err != nil {
		return "", err
	}
	for _, serviceName := range sortedKeys(servicesChanges) {
		if err := appendService(serviceName, servicesChanges[serviceName]); err != nil {
			return "", err
		}
	}

	return render(validationSucceededTmpl, data)
}

func render(tmpl *template.Template, data interface{}) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
