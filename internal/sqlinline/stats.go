package sqlinline

const QJobStatsByStatus = `--sql e3750b6e-1b2d-42fc-b543-0883aa998623
select status, count(*)::int, coalesce(sum(points_cost), 0)::bigint,
       coalesce(sum(refund_amount) filter (where refunded), 0)::bigint
from jobs
where created_at >= $1::timestamptz
  and created_at < $2::timestamptz
group by status;
`
