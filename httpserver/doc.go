/*
Package httpserver exposes the storage layer over HTTP.

# Sources

  - GET  /api/sources/health           probe every active source
  - POST /api/sources/{id}/test        probe one source
  - POST /api/sources/{id}/invalidate  drop one cached adapter
  - POST /api/sources/invalidate       drop every cached adapter

# Folders

Folder operations are mirrored to every active source. The response lists
one outcome per source and uses 207 Multi-Status when some sources failed.

  - GET    /api/folders?path=/docs            merged listing
  - POST   /api/folders {"path"}              create
  - POST   /api/folders/rename {"from","to"}  rename
  - DELETE /api/folders?path=/docs&recursive  delete

# Files

  - PUT    /api/files?folder=&name=[&source=]  upload the request body
  - GET    /api/files?path=[&source=]          download
  - DELETE /api/files?path=[&source=][&size=]  delete

Without a source parameter uploads go through the placement policy and
downloads and deletes go to the highest-priority source.

# Operations

/livez, /readyz, /drain and /undrain serve load balancer health checks.
Metrics are served separately on the metrics address.
*/
package httpserver
