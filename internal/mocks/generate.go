package mocks

//go:generate mockery --name EventStore --srcpkg github.com/atelierhq/pulse/internal/core/storage --output ./storage --outpkg storagemocks --with-expecter
//go:generate mockery --name MetricStore --srcpkg github.com/atelierhq/pulse/internal/core/storage --output ./storage --outpkg storagemocks --with-expecter
//go:generate mockery --name JobLogStore --srcpkg github.com/atelierhq/pulse/internal/core/storage --output ./storage --outpkg storagemocks --with-expecter
//go:generate mockery --name Store --srcpkg github.com/atelierhq/pulse/internal/faststore --output ./faststore --outpkg faststoremocks --with-expecter
