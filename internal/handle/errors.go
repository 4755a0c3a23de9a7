package handle

import "github.com/hashicorp/go-multierror"

// joinErrors aggregates the several independent failures Close can hit
// (log flush, arena unmap, header unmap) into one error without losing
// any of them.
func joinErrors(errs []error) error {
	var result *multierror.Error
	for _, e := range errs {
		result = multierror.Append(result, e)
	}
	return result.ErrorOrNil()
}
